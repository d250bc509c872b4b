package dlcore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// Config configures an Engine instance.
type Config struct {
	OutDir            string
	Concurrency       int
	ChunkSize         int64
	UserAgent         string
	TimeoutSecs       int
	Retries           int
	RetryBackoffMs    int64
	RetryMaxDelayMs   int64
	MaxConcurrentJobs int // 0 disables the optional admission gate

	// Vault is the credential vault handed to resolvers and shared with any
	// whole-file drivers the caller registers. A nil Vault gets a fresh one,
	// but then drivers constructed with their own vault will not see
	// credentials the resolvers stored.
	Vault *CredentialVault

	Fs afero.Fs
}

func (c *Config) normalize() {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.ChunkSize < MinChunkSize {
		c.ChunkSize = MinChunkSize
	}
	if c.UserAgent == "" {
		c.UserAgent = "fluxdl/1.0"
	}
	if c.Vault == nil {
		c.Vault = NewCredentialVault()
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
}

// Engine is the job/item orchestrator: it owns the plugin registry, the
// durable fragment store, and the event bus, and drives job submission
// through to completion.
type Engine struct {
	cfg      Config
	registry *PluginRegistry
	store    *Store
	events   *EventBus
	queue    *JobQueue
	vault    *CredentialVault

	mu          sync.Mutex
	jobStatus   map[JobID]JobStatus
	jobNotifies map[JobID]chan struct{}
	jobOrder    []JobID
	jobLinks    map[JobID][]string
}

// JobSummary is a point-in-time snapshot of a submitted job, returned by
// ListJobs.
type JobSummary struct {
	ID     JobID
	Status JobStatus
	Links  []string
}

// New constructs an Engine. The out directory is created if absent and the
// durable store is opened at <outDir>/.downloader.sqlite.
func New(cfg Config, registry *PluginRegistry) (*Engine, error) {
	cfg.normalize()

	if err := os.MkdirAll(cfg.OutDir, DefaultDirMode); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}

	dbPath := filepath.Join(cfg.OutDir, ".downloader.sqlite")
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		events:      NewEventBus(),
		queue:       NewJobQueue(cfg.MaxConcurrentJobs),
		vault:       cfg.Vault,
		jobStatus:   make(map[JobID]JobStatus),
		jobNotifies: make(map[JobID]chan struct{}),
		jobLinks:    make(map[JobID][]string),
	}, nil
}

// Close releases the durable store handle.
func (e *Engine) Close() error {
	if e.vault != nil {
		_ = e.vault.Close()
	}
	return e.store.Close()
}

// Subscribe registers a new observer on the engine's event bus.
func (e *Engine) Subscribe() *Subscription { return e.events.Subscribe() }

// JobStatusOf returns the current status of a submitted job.
func (e *Engine) JobStatusOf(id JobID) (JobStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.jobStatus[id]
	return s, ok
}

// WaitJob blocks until the given job reaches a terminal status.
func (e *Engine) WaitJob(ctx context.Context, id JobID) error {
	e.mu.Lock()
	done, ok := e.jobNotifies[id]
	_, known := e.jobStatus[id]
	e.mu.Unlock()
	if !ok {
		if known {
			// The job already finished and its notifier was removed.
			return nil
		}
		return fmt.Errorf("unknown job %s", id)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddAndStart submits a new job for the given link inputs and starts its
// pipeline in a detached goroutine, returning the new JobID immediately.
func (e *Engine) AddAndStart(ctx context.Context, inputs []LinkInput) JobID {
	id := NewJobID()

	links := make([]string, 0, len(inputs))
	for _, in := range inputs {
		links = append(links, in.Raw)
	}

	e.mu.Lock()
	e.jobStatus[id] = JobPending
	done := make(chan struct{})
	e.jobNotifies[id] = done
	e.jobOrder = append(e.jobOrder, id)
	e.jobLinks[id] = links
	e.mu.Unlock()

	e.setJobStatus(id, JobPending)

	go e.runJob(ctx, id, inputs, done)

	return id
}

// ListJobs returns a snapshot of every job submitted so far, oldest first.
func (e *Engine) ListJobs() []JobSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]JobSummary, 0, len(e.jobOrder))
	for _, id := range e.jobOrder {
		out = append(out, JobSummary{ID: id, Status: e.jobStatus[id], Links: e.jobLinks[id]})
	}
	return out
}

func (e *Engine) setJobStatus(id JobID, status JobStatus) {
	e.mu.Lock()
	e.jobStatus[id] = status
	e.mu.Unlock()
	e.events.Publish(Event{Kind: EventJobStatusChanged, JobID: &id, JobStatus: status})
}

func (e *Engine) runJob(ctx context.Context, id JobID, inputs []LinkInput, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		delete(e.jobNotifies, id)
		e.mu.Unlock()
	}()

	e.queue.Admit(id)
	defer e.queue.Release(id)

	e.setJobStatus(id, JobRunning)

	var errs *multierror.Error
	rctx := ResolveContext{OutDir: e.cfg.OutDir, UserAgent: e.cfg.UserAgent, Vault: e.vault}

	for _, input := range inputs {
		resolver := e.registry.BestResolver(input)
		if resolver == nil {
			e.events.Publish(Event{Kind: EventError, JobID: &id, Scope: "resolve", Message: fmt.Sprintf("%v: %q", ErrNoResolver, input.Raw)})
			errs = multierror.Append(errs, fmt.Errorf("%w: %q", ErrNoResolver, input.Raw))
			continue
		}

		result, err := resolver.Resolve(ctx, input, rctx)
		if err != nil {
			e.events.Publish(Event{Kind: EventError, JobID: &id, Scope: fmt.Sprintf("resolve(%s)", resolver.Name()), Message: err.Error()})
			errs = multierror.Append(errs, err)
			continue
		}
		for _, w := range result.Warnings {
			e.events.Publish(Event{Kind: EventInfo, JobID: &id, Scope: "resolve", Message: w})
		}

		for _, draft := range result.Drafts {
			item := &DownloadItem{
				ID:          NewItemID(),
				JobID:       id,
				Status:      ItemReady,
				DisplayName: draft.DisplayName,
				TargetPath:  filepath.Join(e.cfg.OutDir, draft.SuggestedPath),
				TotalSize:   draft.TotalSize,
				Resources:   draft.Resources,
			}
			e.events.Publish(Event{
				Kind: EventItemAdded, JobID: &id, ItemID: &item.ID,
				DisplayName: item.DisplayName, TargetPath: item.TargetPath, URI: item.Primary().URI,
			})

			if err := e.runItem(ctx, item); err != nil {
				e.events.Publish(Event{Kind: EventError, ItemID: &item.ID, Scope: fmt.Sprintf("item(%s)", item.DisplayName), Message: err.Error()})
				e.events.Publish(Event{Kind: EventItemStatusChanged, ItemID: &item.ID, ItemStatus: ItemFailed})
				errs = multierror.Append(errs, err)
			}
		}
	}

	if errs != nil {
		e.setJobStatus(id, JobFailed)
		e.events.Publish(Event{Kind: EventError, JobID: &id, Scope: "job", Message: errs.Error()})
	} else {
		e.setJobStatus(id, JobCompleted)
	}
}

func (e *Engine) itemEvent(item *DownloadItem, status ItemStatus) {
	e.events.Publish(Event{Kind: EventItemStatusChanged, ItemID: &item.ID, ItemStatus: status})
}

// runItem executes the full per-item pipeline described by the engine
// design: non-HTTP resources delegate wholesale to a WholeFileDriver;
// HTTP-like resources go through probe, plan, dispatch, assemble, promote.
func (e *Engine) runItem(ctx context.Context, item *DownloadItem) error {
	e.itemEvent(item, ItemDownloading)
	res := item.Primary()

	if res.Type.IsWholeFile() {
		return e.runWholeFileItem(ctx, item, res)
	}

	driver := e.registry.DriverFor(res)
	if driver == nil {
		return fmt.Errorf("%w: %s", ErrNoDriver, res.Type)
	}

	dctx := DriverContext{
		UserAgent:   e.cfg.UserAgent,
		TimeoutSecs: e.cfg.TimeoutSecs,
		Retries:     e.cfg.Retries,
		BackoffMs:   e.cfg.RetryBackoffMs,
		MaxDelayMs:  e.cfg.RetryMaxDelayMs,
	}

	if err := driver.Prepare(ctx, res, dctx); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	total, supportsRanges, err := driver.Probe(ctx, res, dctx)
	e.events.Publish(Event{Kind: EventInfo, ItemID: &item.ID, Scope: "probe", Message: fmt.Sprintf("total=%v ranges=%v err=%v", total, supportsRanges, err)})

	partialPath := item.TargetPath + ".partial"

	rec, err := e.store.GetItem(ctx, res.URI, item.TargetPath)
	hasExisting := err == nil

	if hasExisting && total != nil && rec.TotalSize != nil && *rec.TotalSize != *total {
		if err := e.store.DeleteFragments(ctx, rec.ID); err != nil {
			return fmt.Errorf("reset fragments after total-size change: %w", err)
		}
		if err := e.store.SetItemTotalSize(ctx, rec.ID, total, supportsRanges && total != nil); err != nil {
			return fmt.Errorf("reset item total size: %w", err)
		}
	}

	rec, err = e.store.UpsertItem(ctx, res.URI, item.TargetPath, partialPath, e.cfg.ChunkSize, total, supportsRanges && total != nil)
	if err != nil {
		return fmt.Errorf("upsert item record: %w", err)
	}

	var planned []Fragment
	if rec.SupportsRanges && rec.TotalSize != nil {
		planned = PlanRanges(*rec.TotalSize, rec.ChunkSize)
	} else {
		planned = []Fragment{{Kind: FragmentRange, Offset: 0, Len: 0, State: FragMissing}}
	}
	if err := e.store.EnsureFragmentsForRanges(ctx, rec.ID, planned); err != nil {
		return fmt.Errorf("persist fragment plan: %w", err)
	}

	fragments, err := e.store.LoadFragments(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load fragments: %w", err)
	}

	assembler, err := NewAssembler(e.cfg.Fs, partialPath, rec.TotalSize)
	if err != nil {
		return fmt.Errorf("create assembler: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			assembler.Close()
		}
	}()

	if err := e.dispatchFragments(ctx, item, res, driver, dctx, rec, fragments, assembler); err != nil {
		return err
	}

	if err := assembler.Flush(); err != nil {
		return fmt.Errorf("flush assembled file: %w", err)
	}

	e.itemEvent(item, ItemAssembling)

	final, err := e.store.LoadFragments(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("reload fragments for verification: %w", err)
	}
	for _, f := range final {
		if f.State != FragDone {
			return fmt.Errorf("%w: fragment at offset %d is %s", ErrAssemblyInvariant, f.Offset, f.State)
		}
	}

	promoted = true
	if err := assembler.Promote(item.TargetPath); err != nil {
		return fmt.Errorf("promote partial file: %w", err)
	}

	e.itemEvent(item, ItemDone)
	return nil
}

// dispatchFragments runs pending fragments in waves of up to
// cfg.Concurrency, draining each wave before starting the next.
func (e *Engine) dispatchFragments(ctx context.Context, item *DownloadItem, res ResourceDescriptor, driver TransferDriver, dctx DriverContext, rec ItemRecord, fragments []Fragment, assembler *Assembler) error {
	var pending []Fragment
	for _, f := range fragments {
		if f.State.Pending() {
			pending = append(pending, f)
		}
	}

	total := len(fragments)
	completedCount := int64(total - len(pending))
	downloadedBytes := rec.DownloadedBytes
	start := time.Now()

	for len(pending) > 0 {
		waveSize := e.cfg.Concurrency
		if waveSize > len(pending) {
			waveSize = len(pending)
		}
		wave := pending[:waveSize]
		pending = pending[waveSize:]

		var wg sync.WaitGroup
		errCh := make(chan error, waveSize)

		for _, f := range wave {
			f := f
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := e.runFragment(ctx, item, res, driver, dctx, rec, f, assembler)
				if err != nil {
					errCh <- err
					return
				}
				completed := atomic.AddInt64(&completedCount, 1)
				downloaded := atomic.AddInt64(&downloadedBytes, n)
				elapsed := time.Since(start)
				if elapsed < time.Millisecond {
					elapsed = time.Millisecond
				}
				speed := float64(downloaded) / elapsed.Seconds()
				var eta *time.Duration
				if rec.TotalSize != nil && speed > 0 {
					remaining := float64(*rec.TotalSize-downloaded) / speed
					d := time.Duration(remaining * float64(time.Second))
					eta = &d
				}
				e.events.Publish(Event{Kind: EventFragmentDone, ItemID: &item.ID, Completed: int(completed), FragTotal: total})
				e.events.Publish(Event{Kind: EventProgress, ItemID: &item.ID, Downloaded: downloaded, Total: rec.TotalSize, SpeedBps: speed, ETA: eta})
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			return err
		}
	}
	return nil
}

func (e *Engine) runFragment(ctx context.Context, item *DownloadItem, res ResourceDescriptor, driver TransferDriver, dctx DriverContext, rec ItemRecord, f Fragment, assembler *Assembler) (int64, error) {
	if err := e.store.SetFragmentState(ctx, f.ID, FragDownloading); err != nil {
		return 0, fmt.Errorf("mark fragment downloading: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if f.IsWholeSentinel() {
		data, err = driver.DownloadAll(ctx, res, dctx)
	} else {
		data, err = driver.DownloadRange(ctx, res, dctx, f.Offset, f.Offset+f.Len-1)
	}
	if err != nil {
		_ = e.store.SetFragmentState(ctx, f.ID, FragBad)
		return 0, fmt.Errorf("fragment at offset %d: %w", f.Offset, err)
	}

	if err := assembler.WriteAt(f.Offset, data); err != nil {
		_ = e.store.SetFragmentState(ctx, f.ID, FragBad)
		return 0, err
	}
	if f.IsWholeSentinel() {
		// The partial file may carry a longer body from a previous run.
		if err := assembler.Truncate(int64(len(data))); err != nil {
			_ = e.store.SetFragmentState(ctx, f.ID, FragBad)
			return 0, fmt.Errorf("trim partial file: %w", err)
		}
	}

	if err := e.store.MarkFragmentDoneAndAddBytes(ctx, f.ID, rec.ID, int64(len(data))); err != nil {
		return 0, fmt.Errorf("persist fragment completion: %w", err)
	}
	return int64(len(data)), nil
}

// runWholeFileItem delegates an entire item to an opaque WholeFileDriver
// (FTP, SFTP, and stubs for BitTorrent/ADB/ED2K), bypassing the fragment
// machinery entirely. The engine does not handle credentials here: the FTP
// and SFTP drivers look them up in their own vault by the resource's clean
// URI.
func (e *Engine) runWholeFileItem(ctx context.Context, item *DownloadItem, res ResourceDescriptor) error {
	driver := e.registry.WholeFileDriverFor(res)
	if driver == nil {
		return fmt.Errorf("%w: %s", ErrNoDriver, res.Type)
	}

	start := time.Now()
	dctx := DriverContext{
		UserAgent:   e.cfg.UserAgent,
		TimeoutSecs: e.cfg.TimeoutSecs,
		Retries:     e.cfg.Retries,
		BackoffMs:   e.cfg.RetryBackoffMs,
		MaxDelayMs:  e.cfg.RetryMaxDelayMs,
		Progress: func(downloaded int64) {
			elapsed := time.Since(start)
			if elapsed < time.Millisecond {
				elapsed = time.Millisecond
			}
			speed := float64(downloaded) / elapsed.Seconds()
			e.events.Publish(Event{Kind: EventProgress, ItemID: &item.ID, Downloaded: downloaded, Total: item.TotalSize, SpeedBps: speed})
		},
	}

	e.events.Publish(Event{Kind: EventInfo, ItemID: &item.ID, Scope: "whole-file", Message: fmt.Sprintf("delegating to %s driver", driver.Name())})

	if err := driver.DownloadWhole(ctx, res, dctx, item.TargetPath, item.Options); err != nil {
		return fmt.Errorf("whole-file download: %w", err)
	}

	e.itemEvent(item, ItemDone)
	return nil
}
