package dev

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReloadMessageType represents the type of reload message.
type ReloadMessageType string

const (
	ReloadTypeFull  ReloadMessageType = "reload"
	ReloadTypeError ReloadMessageType = "error"
	ReloadTypeClear ReloadMessageType = "clear"
)

// ReloadMessage is sent to browsers via WebSocket.
type ReloadMessage struct {
	Type  ReloadMessageType `json:"type"`
	Error string            `json:"error,omitempty"`
}

// DefaultWriteTimeout bounds a single write to one subscriber.
const DefaultWriteTimeout = 2 * time.Second

// ReloadOptions configures a ReloadServer.
type ReloadOptions struct {
	// WriteTimeout bounds each write to a subscriber (default 2s).
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// subscriber is one connected browser. gorilla connections allow a single
// concurrent writer, so writes go through mu.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReloadServer manages WebSocket connections for hot reload. It listens on
// its own port, next to the dev server.
type ReloadServer struct {
	opts     ReloadOptions
	logger   *slog.Logger
	clients  map[*subscriber]struct{}
	mu       sync.RWMutex
	upgrader websocket.Upgrader

	srvMu      sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewReloadServer creates a new reload server.
func NewReloadServer(opts ReloadOptions) *ReloadServer {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reload")
	}
	return &ReloadServer{
		opts:    opts,
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in dev
			},
		},
	}
}

// Start binds addr and serves WebSocket upgrades on "/" in the background.
// A bind failure is returned as E140.
func (r *ReloadServer) Start(addr string) error {
	r.srvMu.Lock()
	defer r.srvMu.Unlock()
	if r.httpServer != nil {
		return nil
	}

	ln, err := listen(addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.HandleWebSocket)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.httpServer = srv
	r.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("reload server stopped", "error", err)
		}
	}()
	r.logger.Debug("reload server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (r *ReloadServer) Addr() string {
	r.srvMu.Lock()
	defer r.srvMu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// HandleWebSocket handles WebSocket upgrade and connection.
func (r *ReloadServer) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	sub := &subscriber{conn: conn}

	r.mu.Lock()
	r.clients[sub] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()
	r.opts.Metrics.setSubscribers(n)
	r.logger.Debug("subscriber connected", "clients", n)

	// Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	r.remove(sub)
}

// BroadcastReload sends a full page reload message to all clients and
// returns how many received it.
func (r *ReloadServer) BroadcastReload() int {
	n := r.broadcast(ReloadMessage{Type: ReloadTypeFull})
	r.opts.Metrics.reloadSent()
	return n
}

// NotifyError sends an error message to all clients.
func (r *ReloadServer) NotifyError(errMsg string) {
	r.broadcast(ReloadMessage{Type: ReloadTypeError, Error: errMsg})
}

// ClearError clears the error overlay on all clients.
func (r *ReloadServer) ClearError() {
	r.broadcast(ReloadMessage{Type: ReloadTypeClear})
}

// broadcast sends a message to all connected clients. A client whose write
// fails is dropped; the others still receive the message.
func (r *ReloadServer) broadcast(msg ReloadMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}

	r.mu.RLock()
	clients := make([]*subscriber, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if err := client.write(data, r.opts.WriteTimeout); err != nil {
			r.logger.Debug("dropping subscriber", "error", err)
			r.remove(client)
			continue
		}
		sent++
	}
	return sent
}

func (r *ReloadServer) remove(sub *subscriber) {
	r.mu.Lock()
	_, ok := r.clients[sub]
	delete(r.clients, sub)
	n := len(r.clients)
	r.mu.Unlock()

	if ok {
		sub.conn.Close()
		r.opts.Metrics.setSubscribers(n)
	}
}

// ClientCount returns the number of connected clients.
func (r *ReloadServer) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close closes all client connections and stops the listener.
func (r *ReloadServer) Close() {
	r.mu.Lock()
	for client := range r.clients {
		client.conn.Close()
		delete(r.clients, client)
	}
	r.mu.Unlock()
	r.opts.Metrics.setSubscribers(0)

	r.srvMu.Lock()
	srv := r.httpServer
	r.httpServer = nil
	r.listener = nil
	r.srvMu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// BootstrapPath is where the dev server serves BootstrapScript.
const BootstrapPath = "/__HOT_RELOAD_BOOTSTRAP__.js"

// BootstrapScript is the hot reload client. Pages load it with
// <script src="/__HOT_RELOAD_BOOTSTRAP__.js"></script>; it connects to the
// reload server on the page's port plus one.
const BootstrapScript = `(function() {
    'use strict';

    var reconnectDelay = 1000;
    var maxReconnectDelay = 30000;
    var ws = null;

    function reloadURL() {
        var port = Number(location.port) || (location.protocol === 'https:' ? 443 : 80);
        var protocol = location.protocol === 'https:' ? 'wss:' : 'ws:';
        return protocol + '//' + location.hostname + ':' + (port + 1) + '/';
    }

    function connect() {
        ws = new WebSocket(reloadURL());

        ws.onopen = function() {
            console.log('[kiln] Hot reload connected');
            reconnectDelay = 1000;
        };

        ws.onmessage = function(e) {
            var msg;
            try {
                msg = JSON.parse(e.data);
            } catch (err) {
                return;
            }

            switch (msg.type) {
                case 'reload':
                    console.log('[kiln] Reloading...');
                    location.reload();
                    break;

                case 'error':
                    console.error('[kiln] Build error:', msg.error);
                    showErrorOverlay(msg.error);
                    break;

                case 'clear':
                    clearErrorOverlay();
                    break;
            }
        };

        ws.onclose = function() {
            console.log('[kiln] Connection lost, reconnecting in', reconnectDelay + 'ms');
            setTimeout(function() {
                reconnectDelay = Math.min(reconnectDelay * 2, maxReconnectDelay);
                connect();
            }, reconnectDelay);
        };

        ws.onerror = function() {
            ws.close();
        };
    }

    function showErrorOverlay(error) {
        clearErrorOverlay();

        var overlay = document.createElement('div');
        overlay.id = 'kiln-error-overlay';
        overlay.style.cssText = 'position:fixed;top:0;left:0;right:0;bottom:0;background:rgba(0,0,0,0.9);color:#fff;font-family:monospace;font-size:14px;padding:20px;overflow:auto;z-index:999999;';

        var content = document.createElement('div');
        content.style.cssText = 'max-width:800px;margin:0 auto;';

        var title = document.createElement('h2');
        title.style.cssText = 'color:#ff5555;margin:0 0 20px;';
        title.textContent = 'Build Error';

        var pre = document.createElement('pre');
        pre.style.cssText = 'white-space:pre-wrap;word-wrap:break-word;background:#1a1a1a;padding:20px;border-radius:8px;border:1px solid #333;';
        pre.textContent = error;

        var hint = document.createElement('p');
        hint.style.cssText = 'margin-top:20px;color:#888;';
        hint.textContent = 'Fix the error and save to reload.';

        content.appendChild(title);
        content.appendChild(pre);
        content.appendChild(hint);
        overlay.appendChild(content);
        document.body.appendChild(overlay);
    }

    function clearErrorOverlay() {
        var overlay = document.getElementById('kiln-error-overlay');
        if (overlay) {
            overlay.remove();
        }
    }

    if (document.readyState === 'loading') {
        document.addEventListener('DOMContentLoaded', connect);
    } else {
        connect();
    }
})();
`
