package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/risa-org/mcbridge/buffer"
	"github.com/risa-org/mcbridge/control"
	"github.com/risa-org/mcbridge/transport"
	"github.com/risa-org/mcbridge/transport/sender"
)

// ErrSessionClosed is returned when attaching to a session that is closing
// or already closed.
var ErrSessionClosed = errors.New("session closed")

// SessionState represents what state a session is currently in.
type SessionState int

const (
	StateAttached SessionState = iota // transport attached, bytes flow both ways
	StateDetached                     // transport gone, backend open, buffering, watchdog armed
	StateClosing                      // teardown in progress
	StateClosed                       // terminal
)

func (s SessionState) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons, reported to the client in a control.Close and recorded
// on the session.
const (
	ReasonBackendClosed = "backend_closed"
	ReasonBackendError  = "backend_error"
	ReasonDetachTimeout = "detach_timeout"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonClientClosed  = "client_closed"
	ReasonShutdown      = "shutdown"
)

const DefaultReadSize = 32 * 1024

// Config holds the per-session limits.
type Config struct {
	BufferBytes   int           // outbound buffer capacity while detached
	DetachTimeout time.Duration // how long a detached session waits for a resume
	IdleTimeout   time.Duration // no traffic in either direction for this long closes the session
	ReadSize      int           // backend read chunk size
}

// DefaultConfig mirrors the server configuration defaults.
var DefaultConfig = Config{
	BufferBytes:   1 << 20,
	DetachTimeout: 5 * time.Minute,
	IdleTimeout:   15 * time.Minute,
	ReadSize:      DefaultReadSize,
}

func (c Config) withDefaults() Config {
	if c.BufferBytes <= 0 {
		c.BufferBytes = DefaultConfig.BufferBytes
	}
	if c.DetachTimeout <= 0 {
		c.DetachTimeout = DefaultConfig.DetachTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultConfig.IdleTimeout
	}
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultConfig.ReadSize
	}
	return c
}

// Session pairs one backend connection with at most one attached transport.
// It outlives transport failures: while detached, backend bytes are kept in
// a bounded buffer and flushed in order when a transport reattaches.
//
// All mutable state except the observer fields under mu is owned by the
// session's loop goroutine. Other goroutines talk to it through Attach and
// Close.
type Session struct {
	ID         string
	Credential string
	CreatedAt  time.Time

	cfg      Config
	backend  net.Conn
	sender   *sender.Sender
	log      logrus.FieldLogger
	onClose  func(*Session)
	watchdog *time.Timer

	attachCh  chan attachRequest
	closeCh   chan string
	done      chan struct{}
	startOnce sync.Once

	mu             sync.Mutex
	state          SessionState
	lastActivity   time.Time
	reconnectCount int
	closeReason    string
}

type attachRequest struct {
	adapter transport.Adapter
	result  chan error
}

// New creates a session that exclusively owns backend. Call Start to hand it
// its first transport and begin serving.
func New(id, credential string, backend net.Conn, cfg Config, log logrus.FieldLogger) *Session {
	cfg = cfg.withDefaults()
	now := time.Now()

	s := &Session{
		ID:           id,
		Credential:   credential,
		CreatedAt:    now,
		cfg:          cfg,
		backend:      backend,
		sender:       sender.New(buffer.New(cfg.BufferBytes)),
		log:          log.WithField("session", id),
		attachCh:     make(chan attachRequest),
		closeCh:      make(chan string, 1),
		done:         make(chan struct{}),
		state:        StateAttached,
		lastActivity: now,
	}

	s.sender.Buffer().OnEvict(func(size int) {
		s.log.WithField("bytes", size).Warn("outbound buffer full, dropped oldest chunk")
	})

	return s
}

// OnClose registers fn to run once when the session reaches StateClosed,
// before Done is closed. Must be called before Start.
func (s *Session) OnClose(fn func(*Session)) {
	s.onClose = fn
}

// Start announces the new session on first and starts the session loop.
// Calling Start more than once has no effect.
func (s *Session) Start(first transport.Adapter) {
	s.startOnce.Do(func() {
		go s.run(first)
	})
}

// Attach hands a resuming transport to the session. Any transport already
// attached is closed first. Returns ErrSessionClosed if the session is
// closing or closed, in which case the caller should create a new session.
func (s *Session) Attach(a transport.Adapter) error {
	req := attachRequest{adapter: a, result: make(chan error, 1)}
	select {
	case s.attachCh <- req:
	case <-s.done:
		return ErrSessionClosed
	}
	// the loop always answers a request it accepted
	return <-req.result
}

// Close tears the session down and waits until it is closed.
// Safe to call any number of times from any goroutine.
func (s *Session) Close(reason string) {
	select {
	case s.closeCh <- reason:
	default:
		// a close is already queued
	}
	<-s.done
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when bytes last moved in either direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ReconnectCount returns how many times a transport has reattached.
func (s *Session) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectCount
}

// CloseReason returns why the session closed, empty while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// transition moves the session to a new state if the move is legal.
func (s *Session) transition(next SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isValidTransition(s.state, next) {
		return false
	}
	s.log.WithFields(logrus.Fields{"from": s.state, "to": next}).Debug("session state change")
	s.state = next
	return true
}

// isValidTransition defines which state changes are legal.
// Closed is terminal, nothing can come after it.
func isValidTransition(from, to SessionState) bool {
	allowed := map[SessionState][]SessionState{
		StateAttached: {StateDetached, StateClosing},
		StateDetached: {StateAttached, StateClosing},
		StateClosing:  {StateClosed},
		StateClosed:   {},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) run(first transport.Adapter) {
	backendCh := make(chan []byte)
	backendErr := make(chan error, 1)
	go s.readBackend(backendCh, backendErr)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	if err := first.Send(control.Encode(control.SessionAssigned{ID: s.ID, Credential: s.Credential})); err != nil {
		s.log.WithError(err).Warn("failed to announce session, starting detached")
		go first.Close()
		s.markDetached()
	} else {
		s.sender.Attach(first)
		s.log.Info("session created")
	}

	for {
		var recv <-chan transport.Message
		current := s.sender.Adapter()
		if current != nil {
			recv = current.Receive()
		}

		select {
		case req := <-s.attachCh:
			req.result <- s.attach(req.adapter)

		case chunk, ok := <-backendCh:
			if !ok {
				err := <-backendErr
				if err != nil {
					s.log.WithError(err).Info("backend connection failed")
					s.shutdown(ReasonBackendError)
				} else {
					s.shutdown(ReasonBackendClosed)
				}
				return
			}
			s.touch()
			if err := s.sender.Send(chunk); err != nil {
				s.detach(current, err)
			}

		case msg, ok := <-recv:
			if !ok {
				s.detach(current, disconnectCause(current))
				continue
			}
			if closing := s.handleTransportMessage(msg); closing != "" {
				s.shutdown(closing)
				return
			}

		case <-s.watchdogC():
			s.log.WithField("timeout", s.cfg.DetachTimeout).Info("no resume before detach timeout")
			s.shutdown(ReasonDetachTimeout)
			return

		case <-idle.C:
			quiet := time.Since(s.LastActivity())
			if quiet >= s.cfg.IdleTimeout {
				s.log.WithField("idle", quiet.Round(time.Second)).Info("session idle")
				s.shutdown(ReasonIdleTimeout)
				return
			}
			idle.Reset(s.cfg.IdleTimeout - quiet)

		case reason := <-s.closeCh:
			s.shutdown(reason)
			return
		}
	}
}

// handleTransportMessage returns a close reason when the message ends the
// session, empty otherwise.
func (s *Session) handleTransportMessage(msg transport.Message) string {
	switch m := control.Classify(msg).(type) {
	case control.Data:
		if len(m.Bytes) == 0 {
			return ""
		}
		if _, err := s.backend.Write(m.Bytes); err != nil {
			s.log.WithError(err).Info("backend write failed")
			return ReasonBackendError
		}
		s.touch()
	case control.Close:
		s.log.WithField("reason", m.Reason).Info("client closed tunnel")
		return ReasonClientClosed
	default:
		s.log.WithField("message", m).Debug("ignoring control message")
	}
	return ""
}

func (s *Session) attach(a transport.Adapter) error {
	if prev := s.sender.Detach(); prev != nil {
		s.log.Info("closing superseded transport")
		go prev.Close()
	}

	if err := a.Send(control.Encode(control.ReconnectAck{ID: s.ID})); err != nil {
		go a.Close()
		s.markDetached()
		return err
	}

	_, flushed, err := s.sender.Attach(a)
	if err != nil {
		go a.Close()
		s.markDetached()
		return err
	}

	s.disarmWatchdog()
	s.transition(StateAttached)
	s.mu.Lock()
	s.reconnectCount++
	s.mu.Unlock()

	s.log.WithField("flushed_bytes", flushed).Info("session resumed")
	return nil
}

func (s *Session) detach(a transport.Adapter, cause error) {
	if s.sender.Adapter() == a {
		s.sender.Detach()
	}
	if a != nil {
		go a.Close()
	}
	s.log.WithError(cause).Info("transport detached")
	s.markDetached()
}

func (s *Session) markDetached() {
	if s.State() == StateDetached {
		return
	}
	s.transition(StateDetached)
	s.armWatchdog()
}

func (s *Session) armWatchdog() {
	if s.watchdog == nil {
		s.watchdog = time.NewTimer(s.cfg.DetachTimeout)
	}
}

func (s *Session) disarmWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) watchdogC() <-chan time.Time {
	if s.watchdog == nil {
		return nil
	}
	return s.watchdog.C
}

// shutdown runs exactly once, from the loop goroutine.
func (s *Session) shutdown(reason string) {
	s.transition(StateClosing)
	s.disarmWatchdog()

	s.sender.SendControl(control.Encode(control.Close{Reason: reason}))
	if a := s.sender.Detach(); a != nil {
		a.Close()
	}
	s.backend.Close()

	st := s.sender.Buffer().Stats()
	if st.Bytes > 0 {
		s.log.WithField("bytes", st.Bytes).Debug("discarding undelivered backend bytes")
	}
	if st.EvictedChunks > 0 {
		s.log.WithFields(logrus.Fields{
			"evicted_chunks": st.EvictedChunks,
			"evicted_bytes":  st.EvictedBytes,
		}).Info("backend bytes were dropped while detached")
	}

	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
	s.transition(StateClosed)

	s.log.WithField("reason", reason).Info("session closed")
	if s.onClose != nil {
		s.onClose(s)
	}
	close(s.done)
}

func (s *Session) readBackend(out chan<- []byte, errc chan<- error) {
	defer close(out)
	for {
		buf := make([]byte, s.cfg.ReadSize)
		n, err := s.backend.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
	}
}

func disconnectCause(a transport.Adapter) error {
	if a == nil {
		return nil
	}
	select {
	case ev := <-a.Disconnected():
		return ev.Err
	default:
		return nil
	}
}

// NewID creates a cryptographically random 32-character hex session ID.
func NewID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
