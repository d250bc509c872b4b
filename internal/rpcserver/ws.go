package rpcserver

import (
	"context"
	"net/http"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
)

// wsChannel adapts a coder/websocket connection to the jrpc2 channel.Channel
// interface, so a *jrpc2.Server can be driven straight off a WebSocket.
type wsChannel struct {
	conn *cws.Conn
	ctx  context.Context
}

func (c *wsChannel) Send(data []byte) error {
	return c.conn.Write(c.ctx, cws.MessageText, data)
}

func (c *wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

func (c *wsChannel) Close() error {
	return c.conn.Close(cws.StatusNormalClosure, "")
}

// serveWS upgrades an HTTP request to a WebSocket and drives a dedicated
// jrpc2 server off it for the connection's lifetime, registering it with
// the notifier so engine events reach this client.
func (rs *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		rs.log.Warning("rpcserver: websocket accept failed: %v", err)
		return
	}

	methods := handler.Map{
		"download.add":  handler.New(rs.downloadAdd),
		"download.wait": handler.New(rs.downloadWait),
		"download.list": handler.New(rs.downloadList),
	}

	ch := &wsChannel{conn: conn, ctx: r.Context()}
	srv := jrpc2.NewServer(methods, nil).Start(ch)

	rs.notifier.register(srv)
	defer rs.notifier.unregister(srv)

	rs.log.Info("rpcserver: websocket client connected (%d total)", rs.notifier.count())
	srv.Wait()
	rs.log.Info("rpcserver: websocket client disconnected (%d remaining)", rs.notifier.count()-1)
	conn.Close(cws.StatusNormalClosure, "")
}

// Handler returns an http.Handler exposing plain request/response JSON-RPC
// at "/rpc" and the event-streaming WebSocket at "/rpc/ws".
func (rs *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/rpc", rs.bridge)
	mux.HandleFunc("/rpc/ws", rs.serveWS)
	return mux
}
