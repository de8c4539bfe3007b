package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/risa-org/mcbridge/buffer"
	"github.com/risa-org/mcbridge/config"
	"github.com/risa-org/mcbridge/control"
	"github.com/risa-org/mcbridge/reconnect"
	"github.com/risa-org/mcbridge/session"
	"github.com/risa-org/mcbridge/transport"
	"github.com/risa-org/mcbridge/transport/sender"
)

var (
	// ErrSessionLost means the server answered a reconnect with a brand new
	// session. The old byte stream cannot be continued.
	ErrSessionLost = errors.New("bridge session lost")

	// ErrRemoteClosed means the server ended the session.
	ErrRemoteClosed = errors.New("bridge closed the session")
)

const readSize = 32 * 1024

// Endpoint tunnels one inbound game connection over a resumable transport.
// It buffers outbound bytes while the transport is down and reconnects with
// exponential backoff, presenting the session credential each time.
//
// All state is owned by the Run goroutine.
type Endpoint struct {
	ID string

	conn        net.Conn
	dialer      Dialer
	dialTimeout time.Duration
	policy      *reconnect.Policy
	sender      *sender.Sender
	log         logrus.FieldLogger

	sessionID  string
	credential string
}

// NewEndpoint wraps an accepted inbound connection.
func NewEndpoint(conn net.Conn, dialer Dialer, cfg config.Client, log logrus.FieldLogger) *Endpoint {
	id := uuid.NewString()
	log = log.WithFields(logrus.Fields{"endpoint": id, "remote": conn.RemoteAddr().String()})

	policy := reconnect.New(cfg.Reconnect.BaseDelay, cfg.Reconnect.Multiplier, cfg.Reconnect.MaxAttempts)
	policy.MaxDelay = cfg.Reconnect.MaxDelay

	buf := buffer.New(cfg.BufferBytes)
	buf.OnEvict(func(size int) {
		log.WithField("bytes", size).Warn("outbound buffer full, dropped oldest chunk")
	})

	return &Endpoint{
		ID:          id,
		conn:        conn,
		dialer:      dialer,
		dialTimeout: cfg.DialTimeout,
		policy:      policy,
		sender:      sender.New(buf),
		log:         log,
	}
}

type connectResult struct {
	adapter  transport.Adapter
	greeting control.Message
	err      error
}

// Run tunnels until the inbound connection closes, the server closes the
// session, or ctx is done. It returns nil on a clean end, ctx.Err() on
// shutdown, and reconnect.ErrExhausted, ErrSessionLost or ErrRemoteClosed
// on failure. On failure the inbound connection is reset rather than
// closed cleanly so the game client sees an error.
func (e *Endpoint) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.conn.Close()

	inbound := make(chan []byte)
	inboundErr := make(chan error, 1)
	go e.readInbound(ctx, inbound, inboundErr)

	results := make(chan connectResult)
	go e.connect(ctx, e.credential, results)

	var retry <-chan time.Time
	for {
		var recv <-chan transport.Message
		current := e.sender.Adapter()
		if current != nil {
			recv = current.Receive()
		}

		select {
		case <-ctx.Done():
			e.closeTransport(session.ReasonShutdown)
			return ctx.Err()

		case chunk, ok := <-inbound:
			if !ok {
				err := <-inboundErr
				e.log.WithError(err).Info("inbound connection closed")
				if st := e.sender.Buffer().Stats(); !e.sender.Attached() && st.Bytes > 0 {
					e.log.WithField("bytes", st.Bytes).Debug("discarding undelivered inbound bytes")
				}
				e.closeTransport(session.ReasonClientClosed)
				return err
			}
			if err := e.sender.Send(chunk); err != nil {
				var fail error
				if retry, fail = e.transportLost(current, err); fail != nil {
					return e.fail(fail)
				}
			}

		case res := <-results:
			if res.err != nil {
				var fail error
				if retry, fail = e.transportLost(nil, res.err); fail != nil {
					return e.fail(fail)
				}
				continue
			}
			if err := e.accept(res); err != nil {
				return e.fail(err)
			}
			_, flushed, err := e.sender.Attach(res.adapter)
			if err != nil {
				var fail error
				if retry, fail = e.transportLost(res.adapter, err); fail != nil {
					return e.fail(fail)
				}
				continue
			}
			e.policy.Reset()
			e.log.WithFields(logrus.Fields{"session": e.sessionID, "flushed_bytes": flushed}).Info("transport attached")

		case <-retry:
			retry = nil
			go e.connect(ctx, e.credential, results)

		case msg, ok := <-recv:
			if !ok {
				var fail error
				if retry, fail = e.transportLost(current, disconnectCause(current)); fail != nil {
					return e.fail(fail)
				}
				continue
			}
			switch m := control.Classify(msg).(type) {
			case control.Data:
				if _, err := e.conn.Write(m.Bytes); err != nil {
					e.log.WithError(err).Info("inbound write failed")
					e.closeTransport(session.ReasonClientClosed)
					return err
				}
			case control.Close:
				e.sender.Detach()
				current.Close()
				e.log.WithField("reason", m.Reason).Info("server closed session")
				if m.Reason == session.ReasonBackendClosed {
					return nil
				}
				return e.fail(fmt.Errorf("%w: %s", ErrRemoteClosed, m.Reason))
			default:
				e.log.WithField("message", fmt.Sprintf("%T", m)).Debug("ignoring control message")
			}
		}
	}
}

// accept checks the server's first message on a fresh transport.
func (e *Endpoint) accept(res connectResult) error {
	switch g := res.greeting.(type) {
	case control.SessionAssigned:
		if e.credential != "" {
			// the server no longer knows us, the stream cannot be continued
			res.adapter.Send(control.Encode(control.Close{Reason: session.ReasonClientClosed}))
			res.adapter.Close()
			e.log.WithFields(logrus.Fields{"old_session": e.sessionID, "new_session": g.ID}).Error("resume refused, session lost")
			return ErrSessionLost
		}
		e.sessionID, e.credential = g.ID, g.Credential
		e.log = e.log.WithField("session", g.ID)
		e.log.Info("session assigned")
	case control.ReconnectAck:
		e.log.WithField("attempts", e.policy.Attempts()).Info("session resumed")
	case control.Close:
		res.adapter.Close()
		return fmt.Errorf("%w: %s", ErrRemoteClosed, g.Reason)
	}
	return nil
}

// transportLost drops a and schedules the next attempt. It returns
// reconnect.ErrExhausted once the policy gives up.
func (e *Endpoint) transportLost(a transport.Adapter, cause error) (<-chan time.Time, error) {
	if a != nil {
		if e.sender.Adapter() == a {
			e.sender.Detach()
		}
		go a.Close()
	}

	if e.policy.Exhausted() {
		e.log.WithError(cause).WithField("attempts", e.policy.Attempts()).Error("giving up on bridge")
		return nil, reconnect.ErrExhausted
	}
	delay := e.policy.NextDelay()
	e.log.WithError(cause).WithFields(logrus.Fields{
		"attempt":  e.policy.Attempts(),
		"delay":    delay,
		"buffered": e.sender.Buffer().Len(),
	}).Warn("transport lost, reconnecting")
	return time.After(delay), nil
}

// connect dials and waits for the server's greeting.
func (e *Endpoint) connect(ctx context.Context, credential string, results chan<- connectResult) {
	dctx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	var res connectResult
	a, err := e.dialer.Dial(dctx, credential)
	if err == nil {
		res.greeting, err = awaitGreeting(dctx, a)
		if err != nil {
			a.Close()
		} else {
			res.adapter = a
		}
	}
	res.err = err

	select {
	case results <- res:
	case <-ctx.Done():
		if res.adapter != nil {
			res.adapter.Close()
		}
	}
}

func awaitGreeting(ctx context.Context, a transport.Adapter) (control.Message, error) {
	select {
	case msg, ok := <-a.Receive():
		if !ok {
			return nil, transport.ErrTransportClosed
		}
		switch m := control.Classify(msg).(type) {
		case control.SessionAssigned, control.ReconnectAck, control.Close:
			return m, nil
		default:
			return nil, fmt.Errorf("unexpected first message %T", m)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) readInbound(ctx context.Context, out chan<- []byte, errc chan<- error) {
	defer close(out)
	buf := make([]byte, readSize)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
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

// closeTransport tells the server the tunnel is over and closes the transport.
func (e *Endpoint) closeTransport(reason string) {
	e.sender.SendControl(control.Encode(control.Close{Reason: reason}))
	if a := e.sender.Detach(); a != nil {
		a.Close()
	}
}

// fail resets the inbound connection so the game client sees an error
// instead of a clean end of stream.
func (e *Endpoint) fail(err error) error {
	e.closeTransport(session.ReasonClientClosed)
	if tc, ok := e.conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	e.conn.Close()
	return err
}

func disconnectCause(a transport.Adapter) error {
	select {
	case ev := <-a.Disconnected():
		if ev.Err != nil {
			return ev.Err
		}
		return fmt.Errorf("transport %s", ev.Reason)
	default:
		return transport.ErrTransportClosed
	}
}
