// Package server is the far end of the bridge. It accepts transports,
// resumes or creates sessions, and owns one backend connection per session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/risa-org/mcbridge/config"
	"github.com/risa-org/mcbridge/control"
	"github.com/risa-org/mcbridge/handshake"
	"github.com/risa-org/mcbridge/session"
	"github.com/risa-org/mcbridge/store/memory"
	"github.com/risa-org/mcbridge/transport"
	"github.com/risa-org/mcbridge/transport/tcp"
	wsadapter "github.com/risa-org/mcbridge/transport/websocket"
)

// ResumeParam is the websocket query field carrying the credential.
// Its presence, even empty, means the client declared its credential up
// front and the server does not wait for a reconnect_request.
const ResumeParam = "resume"

// Close reasons sent to clients refused before a session exists.
const (
	ReasonRateLimited        = "rate_limited"
	ReasonBackendUnreachable = "backend_unreachable"
	ReasonShuttingDown       = "shutting_down"
)

// BackendDialer opens the connection to the tunneled service.
type BackendDialer func(ctx context.Context) (net.Conn, error)

// Option configures a Server.
type Option func(*Server)

// WithBackendDialer replaces the TCP dial to cfg.Backend.
func WithBackendDialer(d BackendDialer) Option {
	return func(s *Server) { s.dialBackend = d }
}

// WithIssuer sets the credential issuer, overriding cfg.Secret.
func WithIssuer(i *session.TokenIssuer) Option {
	return func(s *Server) { s.issuer = i }
}

// Server owns the session registry and every backend connection. One
// Server can serve websocket and framed TCP transports at the same time.
type Server struct {
	cfg         config.Server
	log         logrus.FieldLogger
	registry    *memory.Store
	issuer      *session.TokenIssuer
	handshake   *handshake.Handler
	limiter     *rate.Limiter
	dialBackend BackendDialer
	sessCfg     session.Config

	mu      sync.Mutex
	closing bool
}

// New builds a server from its configuration section.
func New(cfg config.Server, log logrus.FieldLogger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		log:      log.WithField("component", "server"),
		registry: memory.New(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.NewSessionsPerSecond), cfg.NewSessionBurst),
		sessCfg: session.Config{
			BufferBytes:   cfg.BufferBytes,
			DetachTimeout: cfg.DetachTimeout,
			IdleTimeout:   cfg.IdleTimeout,
		},
	}
	s.dialBackend = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", cfg.Backend)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.issuer == nil {
		if cfg.Secret != "" {
			s.issuer = session.NewTokenIssuer([]byte(cfg.Secret))
		} else {
			issuer, err := session.NewRandomTokenIssuer()
			if err != nil {
				return nil, fmt.Errorf("create credential issuer: %w", err)
			}
			s.issuer = issuer
		}
	}
	s.handshake = handshake.NewHandler(s.registry, s.issuer)
	return s, nil
}

// Registry exposes the session registry.
func (s *Server) Registry() *memory.Store {
	return s.registry
}

// Handler returns the HTTP handler serving the websocket endpoint at cfg.Path.
func (s *Server) Handler() http.Handler {
	path := s.cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, s)
	return mux
}

// ServeHTTP upgrades to websocket and hands the transport to the session layer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("websocket accept failed")
		return
	}

	q := r.URL.Query()
	_, declared := q[ResumeParam]
	a := wsadapter.New(conn,
		wsadapter.WithReadLimit(s.cfg.ReadLimit),
		wsadapter.WithWriteTimeout(s.cfg.WriteTimeout),
	)
	s.handle(context.Background(), a, q.Get(ResumeParam), declared, r.RemoteAddr)
}

// ServeTCP accepts framed TCP transports on ln until ctx is done.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept transport: %w", err)
		}
		a := tcp.New(conn, tcp.WithWriteTimeout(s.cfg.WriteTimeout))
		go s.handle(ctx, a, "", false, conn.RemoteAddr().String())
	}
}

// Serve listens on the configured addresses until ctx is done, then shuts
// everything down. Both listeners are bound before either starts serving.
func (s *Server) Serve(ctx context.Context) error {
	var wsLn, tcpLn net.Listener
	if s.cfg.Listen != "" {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
		}
		wsLn = ln
	}
	if s.cfg.TCPListen != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPListen)
		if err != nil {
			if wsLn != nil {
				wsLn.Close()
			}
			return fmt.Errorf("listen %s: %w", s.cfg.TCPListen, err)
		}
		tcpLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpSrv *http.Server
	if wsLn != nil {
		httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		s.log.WithField("addr", wsLn.Addr().String()).Info("websocket transport listening")
		g.Go(func() error {
			if err := httpSrv.Serve(wsLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if tcpLn != nil {
		s.log.WithField("addr", tcpLn.Addr().String()).Info("tcp transport listening")
		g.Go(func() error { return s.ServeTCP(gctx, tcpLn) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpSrv != nil {
			httpSrv.Shutdown(sctx)
		}
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown refuses new transports and closes every session, backend and
// transport included.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	sessions := s.registry.All()
	s.log.WithField("sessions", len(sessions)).Info("shutting down")

	var wg sync.WaitGroup
	for _, sess := range sessions {
		sess := sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close(session.ReasonShutdown)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle runs the handshake for one transport: resume the session its
// credential names, or create a new one.
func (s *Server) handle(ctx context.Context, a transport.Adapter, credential string, declared bool, remote string) {
	log := s.log.WithField("remote", remote)

	var first *transport.Message
	if !declared {
		var err error
		credential, first, err = s.awaitCredential(a)
		if err != nil {
			log.WithError(err).Debug("transport closed during handshake")
			a.Close()
			return
		}
	}

	if credential != "" {
		res := s.handshake.Attach(credential, a)
		if res.Accepted {
			if res.Err != nil {
				log.WithError(res.Err).WithField("session", res.Session.ID).Warn("resume failed, session stays detached")
			} else {
				log.WithField("session", res.Session.ID).Info("transport resumed session")
			}
			return
		}
		// unknown, expired or closed credentials fall through to a new session
		log.WithField("reason", res.Reason).Warn("resume rejected, creating new session")
	}

	s.create(ctx, a, first, log)
}

// awaitCredential reads the first message within the handshake timeout.
// A reconnect_request yields its credential; anything else is handed back
// to be replayed to the new session.
func (s *Server) awaitCredential(a transport.Adapter) (string, *transport.Message, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-a.Receive():
		if !ok {
			return "", nil, transport.ErrTransportClosed
		}
		if req, isReq := control.Classify(msg).(control.ReconnectRequest); isReq {
			return req.Credential, nil, nil
		}
		return "", &msg, nil
	case <-timer.C:
		return "", nil, nil
	}
}

func (s *Server) create(ctx context.Context, a transport.Adapter, first *transport.Message, log logrus.FieldLogger) {
	if !s.limiter.Allow() {
		log.Warn("new session rate limit exceeded")
		refuse(a, ReasonRateLimited)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	backend, err := s.dialBackend(dctx)
	cancel()
	if err != nil {
		log.WithError(err).Error("backend dial failed")
		refuse(a, ReasonBackendUnreachable)
		return
	}

	if first != nil {
		if data, ok := control.Classify(*first).(control.Data); ok && len(data.Bytes) > 0 {
			if _, err := backend.Write(data.Bytes); err != nil {
				log.WithError(err).Error("backend write failed")
				backend.Close()
				refuse(a, ReasonBackendUnreachable)
				return
			}
		}
	}

	id, err := session.NewID()
	if err != nil {
		log.WithError(err).Error("session id generation failed")
		backend.Close()
		a.Close()
		return
	}
	sess := session.New(id, s.issuer.Mint(id), backend, s.sessCfg, log)
	sess.OnClose(func(closed *session.Session) {
		s.registry.Unregister(closed.ID, closed.CloseReason())
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		backend.Close()
		refuse(a, ReasonShuttingDown)
		return
	}
	if err := s.registry.Register(sess); err != nil {
		s.mu.Unlock()
		log.WithError(err).Error("session registration failed")
		backend.Close()
		a.Close()
		return
	}
	s.mu.Unlock()

	sess.Start(a)
}

// refuse tells the client why no session exists and closes the transport.
// Websocket transports also carry a matching close status.
func refuse(a transport.Adapter, reason string) {
	a.Send(control.Encode(control.Close{Reason: reason}))

	sc, ok := a.(interface {
		CloseStatus(websocket.StatusCode, string) error
	})
	if !ok {
		a.Close()
		return
	}
	switch reason {
	case ReasonRateLimited:
		sc.CloseStatus(websocket.StatusTryAgainLater, reason)
	case ReasonShuttingDown:
		sc.CloseStatus(websocket.StatusGoingAway, reason)
	default:
		sc.CloseStatus(websocket.StatusInternalError, reason)
	}
}
