package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/config"
)

// SessionHandler attaches an authenticated connection to a game and tears it
// down again when the socket goes away.
type SessionHandler interface {
	Connect(ctx context.Context, conn *Conn, identity auth.Identity, gameID string) error
	Disconnect(conn *Conn)
}

// Acceptor serves the HTTP endpoints for realtime clients: a version check
// at / and the websocket upgrade at /ws.
type Acceptor struct {
	cfg      config.ServerConfig
	verifier *auth.Verifier
	handler  SessionHandler
	logger   *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates a websocket acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; verifier, handler, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, verifier *auth.Verifier, handler SessionHandler, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:      cfg,
		verifier: verifier,
		handler:  handler,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleVersion)
	mux.HandleFunc("/ws", a.handleUpgrade)
	a.server = &http.Server{Handler: mux}

	return a
}

// ListenAndServe starts the HTTP listener and serves connections until Stop
// is called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// handleVersion answers the root check used by clients and load balancers.
func (a *Acceptor) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"version": 1})
}

// handleUpgrade authenticates the request, upgrades it to a websocket, and
// hands the connection to the session handler.
func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	identity, err := a.verifier.Verify(token)
	if err != nil {
		a.logger.Debug("rejecting unauthenticated upgrade",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	gameID := r.URL.Query().Get("gameId")

	sock, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("upgrading connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	a.wg.Add(1)
	go a.serveConn(sock, identity, gameID)
}

// serveConn runs a single websocket session from attach to teardown.
func (a *Acceptor) serveConn(sock *websocket.Conn, identity auth.Identity, gameID string) {
	defer a.wg.Done()
	start := time.Now()
	addr := sock.RemoteAddr().String()

	conn := NewConn(sock, a.cfg.SendBuffer, a.cfg.WriteTimeout, a.cfg.PongTimeout)
	defer conn.Close()

	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
		zap.String("connection_id", conn.ID()),
		zap.String("player", identity.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Closing the socket on quit unblocks the read loop; Shutdown alone
	// does not reach hijacked connections.
	go func() {
		select {
		case <-a.quit:
			conn.Close()
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := a.handler.Connect(ctx, conn, identity, gameID); err != nil {
		a.logger.Warn("connection rejected",
			zap.String("remote_addr", addr),
			zap.String("player", identity.Name),
			zap.Error(err),
		)
		_ = conn.Emit("error", map[string]string{"error": err.Error()})
		// Give the write pump a moment to flush before Close.
		time.Sleep(50 * time.Millisecond)
		return
	}

	a.readLoop(conn)
	a.handler.Disconnect(conn)

	a.logger.Info("session ended",
		zap.String("remote_addr", addr),
		zap.String("player", identity.Name),
		zap.Duration("duration", time.Since(start)),
	)
}

// readLoop drains client messages until the socket closes. The only inbound
// event handled here is the application-level ping.
func (a *Acceptor) readLoop(conn *Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		switch env.Event {
		case "ping":
			_ = conn.Emit("pong", nil)
		default:
			a.logger.Debug("ignoring client event",
				zap.String("connection_id", conn.ID()),
				zap.String("event", env.Event),
			)
		}
	}
}

// Stop gracefully stops the acceptor, closing the listener and waiting
// for all active sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	close(a.quit)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
