// Package rpcserver exposes an Engine over JSON-RPC 2.0: a small request/
// response method set for submitting and inspecting jobs, plus a WebSocket
// endpoint that streams the engine's event bus to connected observers.
package rpcserver

import (
	"context"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"

	"github.com/fluxdl/fluxdl/pkg/dlcore"
	"github.com/fluxdl/fluxdl/pkg/logger"
)

const (
	codeJobNotFound   = jrpc2.Code(-32001)
	codeInvalidParams = jrpc2.Code(-32602)
)

// AddParams is the input for download.add.
type AddParams struct {
	Links   []string          `json:"links"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AddResult is the response for download.add.
type AddResult struct {
	JobID string `json:"jobId"`
}

// JobIDParam is a common input naming a single job.
type JobIDParam struct {
	JobID string `json:"jobId"`
}

// WaitResult is the response for download.wait.
type WaitResult struct {
	Status string `json:"status"`
}

// JobItem is a single entry in the download.list response.
type JobItem struct {
	JobID  string   `json:"jobId"`
	Status string   `json:"status"`
	Links  []string `json:"links"`
}

// ListResult is the response for download.list.
type ListResult struct {
	Jobs []JobItem `json:"jobs"`
}

// Server wraps an Engine with a JSON-RPC method set and a WebSocket event
// stream. It is its own http.Handler: mount it under any prefix.
type Server struct {
	engine   *dlcore.Engine
	log      logger.Logger
	notifier *notifier
	bridge   jhttp.Bridge

	stopEvents chan struct{}
}

// New builds an RPC server bound to engine. Engine events are rebroadcast
// to every connected WebSocket client as "engine.event" notifications
// until Close is called. A nil Logger discards all log output.
func New(engine *dlcore.Engine, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNopLogger()
	}

	rs := &Server{
		engine:     engine,
		log:        l,
		notifier:   newNotifier(l),
		stopEvents: make(chan struct{}),
	}

	methods := handler.Map{
		"download.add":  handler.New(rs.downloadAdd),
		"download.wait": handler.New(rs.downloadWait),
		"download.list": handler.New(rs.downloadList),
	}
	rs.bridge = jhttp.NewBridge(methods, nil)

	go rs.pumpEvents()

	return rs
}

func (rs *Server) downloadAdd(_ context.Context, p *AddParams) (*AddResult, error) {
	if len(p.Links) == 0 {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: links"}
	}

	inputs := make([]dlcore.LinkInput, 0, len(p.Links))
	for _, raw := range p.Links {
		inputs = append(inputs, dlcore.LinkInput{Raw: raw, Headers: p.Headers})
	}

	id := rs.engine.AddAndStart(context.Background(), inputs)
	rs.log.Info("rpcserver: job %s submitted with %d link(s)", id, len(inputs))
	return &AddResult{JobID: id.String()}, nil
}

func (rs *Server) downloadWait(ctx context.Context, p *JobIDParam) (*WaitResult, error) {
	id, err := dlcore.ParseJobID(p.JobID)
	if err != nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "invalid jobId: " + err.Error()}
	}

	if err := rs.engine.WaitJob(ctx, id); err != nil {
		rs.log.Warning("rpcserver: wait on job %s failed: %v", id, err)
		return nil, &jrpc2.Error{Code: codeJobNotFound, Message: err.Error()}
	}

	status, ok := rs.engine.JobStatusOf(id)
	if !ok {
		return nil, &jrpc2.Error{Code: codeJobNotFound, Message: "job not found"}
	}
	return &WaitResult{Status: status.String()}, nil
}

func (rs *Server) downloadList(_ context.Context, _ *struct{}) (*ListResult, error) {
	summaries := rs.engine.ListJobs()
	jobs := make([]JobItem, 0, len(summaries))
	for _, s := range summaries {
		jobs = append(jobs, JobItem{JobID: s.ID.String(), Status: s.Status.String(), Links: s.Links})
	}
	return &ListResult{Jobs: jobs}, nil
}

// Close shuts down the HTTP bridge and stops the event relay goroutine.
func (rs *Server) Close() {
	close(rs.stopEvents)
	rs.bridge.Close()
}

// EventNotification is the payload of an "engine.event" push notification.
type EventNotification struct {
	Kind        string `json:"kind"`
	JobID       string `json:"jobId,omitempty"`
	ItemID      string `json:"itemId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Status      string `json:"status,omitempty"`
	Downloaded  int64  `json:"downloaded,omitempty"`
	Total       *int64 `json:"total,omitempty"`
	Message     string `json:"message,omitempty"`
}

var eventKindNames = map[dlcore.EventKind]string{
	dlcore.EventJobStatusChanged:  "jobStatusChanged",
	dlcore.EventItemAdded:         "itemAdded",
	dlcore.EventItemStatusChanged: "itemStatusChanged",
	dlcore.EventProgress:          "progress",
	dlcore.EventFragmentDone:      "fragmentDone",
	dlcore.EventError:             "error",
	dlcore.EventInfo:              "info",
}

func toEventNotification(ev dlcore.Event) EventNotification {
	n := EventNotification{
		Kind:        eventKindNames[ev.Kind],
		DisplayName: ev.DisplayName,
		Downloaded:  ev.Downloaded,
		Total:       ev.Total,
		Message:     ev.Message,
	}
	if ev.JobID != nil {
		n.JobID = ev.JobID.String()
	}
	if ev.ItemID != nil {
		n.ItemID = ev.ItemID.String()
	}
	switch ev.Kind {
	case dlcore.EventJobStatusChanged:
		n.Status = ev.JobStatus.String()
	case dlcore.EventItemStatusChanged, dlcore.EventItemAdded:
		n.Status = ev.ItemStatus.String()
	}
	return n
}

// pumpEvents relays every engine event to connected WebSocket clients until
// Close is called.
func (rs *Server) pumpEvents() {
	sub := rs.engine.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			rs.notifier.broadcast("engine.event", toEventNotification(ev))
		case <-rs.stopEvents:
			return
		}
	}
}
