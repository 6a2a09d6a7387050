// Package server runs the adatp TCP listener and one connection actor
// per accepted peer.
//
// Every connection gets two goroutines: a read loop that frames,
// decrypts and dispatches inbound packets, and a write loop draining a
// bounded outbound queue, sealing each packet under the session's own
// keys. The loops never block each other, so a peer that stops reading
// cannot stall its own inbound processing or anyone else's traffic.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/auth"
	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/router"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Outbound queue overflow policies.
const (
	// DropOldest sheds the oldest queued packet to admit the new one.
	// Favors fresh data, which suits voice and video frames.
	DropOldest = "oldest"
	// DropNewest refuses the new packet and keeps the queue intact.
	DropNewest = "newest"
)

const (
	defaultMaxConnections   = 1024
	defaultQueueSize        = 256
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultAnomalyThreshold = 8
)

// Options tunes the listener and its connection actors.
type Options struct {
	// MaxConnections is the accept-time capacity gate. Connections over
	// the limit are closed before any protocol exchange.
	MaxConnections int

	// QueueSize bounds each connection's outbound packet queue.
	QueueSize int

	// DropPolicy picks what a full outbound queue sheds: DropOldest or
	// DropNewest.
	DropPolicy string

	// HandshakeTimeout bounds the time from accept to an established
	// session.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration

	// AnomalyThreshold is how many failed decryptions a session survives
	// before the connection is closed.
	AnomalyThreshold uint32

	// AllowAnonymous lets sessions route traffic without an AUTH_REQUEST.
	AllowAnonymous bool
}

// DefaultOptions returns the stock tuning: 1024 connections, 256-packet
// queues shedding oldest, 10s handshake and write deadlines, anomaly
// threshold 8, anonymous sessions allowed.
func DefaultOptions() Options {
	return Options{
		MaxConnections:   defaultMaxConnections,
		QueueSize:        defaultQueueSize,
		DropPolicy:       DropOldest,
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		AnomalyThreshold: defaultAnomalyThreshold,
		AllowAnonymous:   true,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.DropPolicy != DropNewest {
		o.DropPolicy = DropOldest
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.AnomalyThreshold == 0 {
		o.AnomalyThreshold = defaultAnomalyThreshold
	}
	return o
}

// Server owns the listener and the set of live connection actors.
type Server struct {
	opts       Options
	authorizer auth.Authorizer
	router     *router.Router
	stats      *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ln     net.Listener
	conns  map[uuid.UUID]*Conn
	closed bool

	wg sync.WaitGroup
}

// New builds a server over the given router and metrics. A nil
// authorizer admits everyone.
func New(opts Options, authorizer auth.Authorizer, rt *router.Router, stats *metrics.Collector) *Server {
	if authorizer == nil {
		authorizer = auth.AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts.withDefaults(),
		authorizer: authorizer,
		router:     rt,
		stats:      stats,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[uuid.UUID]*Conn),
	}
}

// ListenAndServe listens on the TCP address and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown, returning
// ErrServerClosed on a clean stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"address":  ln.Addr().String(),
	}).Info("Listening for protocol connections")

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Debug("Accept failed")
			continue
		}
		s.admit(nc)
	}
}

// admit applies the accept-time capacity gate and starts the actor's
// read and write loops.
func (s *Server) admit(nc net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	if len(s.conns) >= s.opts.MaxConnections {
		s.mu.Unlock()
		s.stats.ConnectionRejected()
		logrus.WithFields(logrus.Fields{
			"function": "admit",
			"remote":   nc.RemoteAddr().String(),
			"limit":    s.opts.MaxConnections,
		}).Warn("Connection refused at capacity")
		nc.Close()
		return
	}
	c := newConn(s, nc)
	s.conns[c.id] = c
	// Counted under the lock so Shutdown's Wait covers loops not yet
	// started.
	s.wg.Add(2)
	s.mu.Unlock()

	s.stats.ConnectionOpened()
	logrus.WithFields(logrus.Fields{
		"function": "admit",
		"session":  c.id,
		"remote":   nc.RemoteAddr().String(),
	}).Debug("Connection accepted")

	go c.readLoop()
	go c.writeLoop()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Connections returns the number of live connection actors.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, sends DISCONNECT to every established
// session and waits for the actors to drain. Connections still open when
// ctx expires are closed hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Disconnect()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.WithField("function", "Shutdown").Info("Server stopped")
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.Close()
		}
		<-done
		logrus.WithField("function", "Shutdown").Warn("Server stopped after forcing connections closed")
		return ctx.Err()
	}
}
