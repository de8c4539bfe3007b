// Package client is the near end of the bridge. It accepts game client
// connections and tunnels each one through its own Endpoint.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/risa-org/mcbridge/config"
	"github.com/risa-org/mcbridge/reconnect"
)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the dialer derived from cfg.Transport.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client accepts game connections and runs one Endpoint for each.
type Client struct {
	cfg    config.Client
	dialer Dialer
	log    logrus.FieldLogger
	wg     sync.WaitGroup
}

// New builds a client from its configuration section.
func New(cfg config.Client, log logrus.FieldLogger, opts ...Option) (*Client, error) {
	c := &Client{cfg: cfg, log: log.WithField("component", "client")}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer != nil {
		return c, nil
	}

	switch cfg.Transport {
	case config.TransportWebSocket, "":
		c.dialer = WebSocketDialer{URL: cfg.Bridge, WriteTimeout: cfg.WriteTimeout}
	case config.TransportTCP:
		c.dialer = TCPDialer{Addr: cfg.Bridge, WriteTimeout: cfg.WriteTimeout}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return c, nil
}

// ListenAndServe listens on cfg.Listen and serves until ctx is done.
func (c *Client) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Listen, err)
	}
	c.log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"bridge":    c.cfg.Bridge,
		"transport": c.cfg.Transport,
	}).Info("accepting game connections")
	return c.Serve(ctx, ln)
}

// Serve accepts inbound connections on ln until ctx is done, then waits for
// every endpoint to finish.
func (c *Client) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer c.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		ep := NewEndpoint(conn, c.dialer, c.cfg, c.log)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.finish(ep, ep.Run(ctx))
		}()
	}
}

func (c *Client) finish(ep *Endpoint, err error) {
	log := c.log.WithField("endpoint", ep.ID)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("endpoint finished")
	case errors.Is(err, reconnect.ErrExhausted), errors.Is(err, ErrSessionLost), errors.Is(err, ErrRemoteClosed):
		log.WithError(err).Warn("tunnel failed")
	default:
		log.WithError(err).Info("endpoint ended")
	}
}
