package wsport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/c-w-xiaohei/nexus/internal/lifecycle"
	"github.com/c-w-xiaohei/nexus/internal/nexuserr"
	"github.com/c-w-xiaohei/nexus/internal/nexuslog"
	"github.com/c-w-xiaohei/nexus/pkg/conn"
	"github.com/c-w-xiaohei/nexus/pkg/port"
)

// ListenEndpoint accepts inbound Nexus connections as upgraded WebSocket
// requests on one HTTP path. Grounded on the teacher's Server/HTTPServer
// pair (share/server.go's upgrader var, share/http_server.go's graceful
// net.Listener teardown), generalized from "one fixed SSH upgrade path"
// to an arbitrary onAccept callback supplied by conn.Manager.Initialize.
type ListenEndpoint struct {
	lifecycle.ShutdownHelper

	logger nexuslog.Logger
	addr   string
	path   string

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
}

// NewListenEndpoint builds a ListenEndpoint that will bind addr and
// upgrade requests to path once Listen is called.
func NewListenEndpoint(logger nexuslog.Logger, addr, path string) *ListenEndpoint {
	e := &ListenEndpoint{
		logger: logger.Fork("wsport"),
		addr:   addr,
		path:   path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	e.InitShutdownHelper(e.logger, e)
	return e
}

// Capabilities implements conn.Endpoint.
func (e *ListenEndpoint) Capabilities() port.Capabilities {
	return port.Capabilities{SupportsBinary: true}
}

// Listen implements conn.ListenEndpoint: binds addr and upgrades every
// request to e.path into a Port handed to onAccept.
func (e *ListenEndpoint) Listen(onAccept func(p port.Port, meta conn.PlatformMetadata)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(e.path, func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.logger.DLogf("upgrade failed from %s: %s", r.RemoteAddr, err)
			return
		}
		meta := conn.PlatformMetadata{"remoteAddr": r.RemoteAddr}
		go onAccept(NewPort(wsConn), meta)
	})

	var handler http.Handler = mux
	if e.logger.GetLevel() >= nexuslog.LevelDebug {
		handler = requestlog.Wrap(handler)
	}

	listener, err := net.Listen("tcp", e.addr)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindConfiguration, err, "listening on %s", e.addr)
	}
	e.listener = listener
	e.server = &http.Server{Handler: handler}

	go e.server.Serve(listener)
	return nil
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (e *ListenEndpoint) HandleOnceShutdown(completionErr error) error {
	if e.listener != nil {
		if err := e.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// DialEndpoint dials an outbound Nexus connection as a WebSocket client.
// Grounded on the teacher's Client.connectionLoop websocket.Dialer setup
// (share/client.go); the surrounding retry/backoff loop lives one layer
// up in pkg/conn.Manager.dialLoop, which already wires
// github.com/jpillora/backoff, so this type stays a single-shot dialer.
type DialEndpoint struct {
	url    string
	header http.Header
}

// NewDialEndpoint builds a DialEndpoint against url (a ws:// or wss://
// URL), optionally presenting header on every handshake (e.g. a Host
// override, matching the teacher's HostHeader client config field).
func NewDialEndpoint(url string, header http.Header) *DialEndpoint {
	return &DialEndpoint{url: url, header: header}
}

// Capabilities implements conn.Endpoint.
func (e *DialEndpoint) Capabilities() port.Capabilities {
	return port.Capabilities{SupportsBinary: true}
}

// Connect implements conn.DialEndpoint. descriptor's "url" key, when
// present, overrides the endpoint's configured URL for this dial, so one
// DialEndpoint can be reused to address several peers by descriptor.
func (e *DialEndpoint) Connect(ctx context.Context, descriptor conn.Descriptor) (port.Port, conn.PlatformMetadata, error) {
	target := e.url
	if v, ok := descriptor["url"].(string); ok && v != "" {
		target = v
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 45 * time.Second,
	}

	wsConn, resp, err := dialer.DialContext(ctx, target, e.header)
	if err != nil {
		return nil, nil, nexuserr.Wrap(nexuserr.KindDisconnected, err, "dialing %s", target)
	}

	meta := conn.PlatformMetadata{}
	if resp != nil {
		meta["status"] = resp.Status
	}
	return NewPort(wsConn), meta, nil
}

var (
	_ conn.ListenEndpoint = (*ListenEndpoint)(nil)
	_ conn.DialEndpoint   = (*DialEndpoint)(nil)
)
