package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/workerrpc/transport"
	"github.com/guseggert/workerrpc/worker"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SetupFunc registers the channels of a worker session before it starts serving.
type SetupFunc func(ctx context.Context, sessionID string, s *worker.Server) error

// WorkerAgent is an HTTP agent that hosts workers for remote clients. Each WebSocket connection to /worker is one
// worker session.
// The agent requires mTLS for both traffic encryption and authz.
type WorkerAgent struct {
	logger *zap.SugaredLogger

	tlsConfig *tls.Config

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	setup      SetupFunc
	serverOpts []worker.Option

	serverMut  sync.Mutex
	httpServer *http.Server
	// active worker sessions by session ID
	sessions map[string]*worker.Server
	wg       sync.WaitGroup

	closed    chan struct{}
	closeOnce sync.Once

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *WorkerAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *WorkerAgent) {
		n.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets what happens when no heartbeat arrived within the heartbeat timeout.
// By default nothing happens.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *WorkerAgent) {
		n.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(n *WorkerAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *WorkerAgent) {
		n.logger = l.Named("workeragent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *WorkerAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithSetup(f SetupFunc) Option {
	return func(n *WorkerAgent) {
		n.setup = f
	}
}

// WithServerOptions are passed to the worker.Server of every session.
func WithServerOptions(opts ...worker.Option) Option {
	return func(n *WorkerAgent) {
		n.serverOpts = append(n.serverOpts, opts...)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewWorkerAgent constructs a new worker agent that presents the server pair of certs and only admits clients
// signed by its CA.
func NewWorkerAgent(certs *Certs, opts ...Option) (*WorkerAgent, error) {
	tlsConfig, err := certs.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &WorkerAgent{
		logger:           logger.Named("workeragent").Sugar(),
		tlsConfig:        tlsConfig,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		sessions:         map[string]*worker.Server{},
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	if n.setup == nil {
		return nil, errors.New("a setup func is required")
	}
	return n, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler when a heartbeat timeout occurs.
// A zero timeout disables the check.
func (a *WorkerAgent) startHeartbeatCheck() {
	if a.heartbeatTimeout <= 0 {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(a.heartbeatTimeout / 10)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *WorkerAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, a.tlsConfig)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/worker", a.workerWS)

	server := &http.Server{Handler: router}
	a.serverMut.Lock()
	select {
	case <-a.closed:
		a.serverMut.Unlock()
		tlsListener.Close()
		return nil
	default:
	}
	a.httpServer = server
	a.serverMut.Unlock()

	a.logger.Infow("listening", "Addr", tcpListener.Addr().String())
	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the worker agent and returns once the agent has stopped.
func (a *WorkerAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *WorkerAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// workerWS runs one worker session for the lifetime of the WebSocket connection.
func (a *WorkerAgent) workerWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := uuid.New().String()
	log := a.logger.With("SessionID", sessionID)

	conn, err := transport.AcceptWS(w, r)
	if err != nil {
		log.Debugf("worker WebSocket accept error: %s", err)
		return
	}

	opts := append([]worker.Option{worker.WithLogger(log)}, a.serverOpts...)
	server := worker.NewServer(conn, opts...)
	defer server.Close()

	if !a.addSession(sessionID, server) {
		log.Debug("agent stopped, rejecting worker session")
		return
	}
	defer a.removeSession(sessionID)

	ctx := r.Context()
	if err := a.setup(ctx, sessionID, server); err != nil {
		log.Errorw("setting up worker session", "Error", err)
		return
	}

	log.Debug("worker session started")
	if err := server.Serve(ctx); err != nil {
		log.Debugw("worker session ended with error", "Error", err)
		return
	}
	log.Debug("worker session ended")
}

func (a *WorkerAgent) addSession(id string, s *worker.Server) bool {
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	select {
	case <-a.closed:
		return false
	default:
	}
	a.sessions[id] = s
	a.wg.Add(1)
	return true
}

func (a *WorkerAgent) removeSession(id string) {
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	delete(a.sessions, id)
	a.wg.Done()
}

// SessionCount returns the number of worker sessions currently being served.
func (a *WorkerAgent) SessionCount() int {
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	return len(a.sessions)
}

// Stop closes the listener and all worker sessions, and waits for the sessions to end.
func (a *WorkerAgent) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		a.serverMut.Lock()
		close(a.closed)
		server := a.httpServer
		sessions := make([]*worker.Server, 0, len(a.sessions))
		for _, s := range a.sessions {
			sessions = append(sessions, s)
		}
		a.serverMut.Unlock()

		if server != nil {
			err = server.Close()
		}
		// hijacked WebSocket connections outlive the HTTP server
		for _, s := range sessions {
			s.Close()
		}
		a.wg.Wait()
	})
	return err
}
