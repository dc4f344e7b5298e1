//go:build unix

// Package gateway is the request handling side of the pool: it locates the
// worker class for a request, asks the pool manager for instances when none
// are up, runs the request over the record protocol and reports timings back
// on the signal channel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

// DefaultRetryInterval is the pause between connection attempts while a
// class is starting.
const DefaultRetryInterval = 100 * time.Millisecond

// Request is one request for a worker class
type Request struct {
	Class  procmgr.ClassID
	Role   fcgi.Role
	Params []fcgi.Pair
	Stdin  io.Reader
}

// Result is the response plus where the time went
type Result struct {
	*fcgi.Response
	Endpoint procmgr.Endpoint
	// QueueTime is spent waiting for a connection, RunTime in the exchange.
	QueueTime time.Duration
	RunTime   time.Duration
}

// Gateway runs requests against the pool. It is safe for concurrent use.
type Gateway struct {
	registry      *procmgr.WorkerRegistry
	poster        procmgr.Poster
	client        *fcgi.Client
	logger        *slog.Logger
	retryInterval time.Duration
	now           func() time.Time
}

// Option configures the Gateway
type Option func(*Gateway)

// WithClient sets the protocol client
func WithClient(c *fcgi.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRetryInterval sets the pause between connection attempts
func WithRetryInterval(d time.Duration) Option {
	return func(g *Gateway) {
		g.retryInterval = d
	}
}

// New creates a gateway resolving classes in registry and posting signals to
// poster
func New(registry *procmgr.WorkerRegistry, poster procmgr.Poster, opts ...Option) *Gateway {
	g := &Gateway{
		registry:      registry,
		poster:        poster,
		logger:        slog.Default(),
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = fcgi.NewClient(g.logger)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Handle runs req and copies the response body to stdout
func (g *Gateway) Handle(ctx context.Context, req *Request, stdout io.Writer) (*Result, error) {
	ep := g.registry.Resolve(req.Class)
	if ep.Directive != procmgr.DirectiveExternal && (!ep.Known || ep.Running == 0) {
		g.post(procmgr.Message{Op: procmgr.OpStart, Class: req.Class})
	}

	start := g.now()
	conn, err := g.connect(ctx, ep)
	if err != nil {
		g.post(procmgr.Message{Op: procmgr.OpTimeout, Class: req.Class})
		g.logger.Warn("class unreachable", "class", req.Class.Path, "address", ep.Address, "error", err)
		return nil, fmt.Errorf("gateway: connect to %s: %w", req.Class, err)
	}
	defer conn.Close()
	connected := g.now()

	role := req.Role
	if role == 0 {
		role = fcgi.RoleResponder
	}
	resp, err := g.client.DoConn(ctx, conn, &fcgi.ClientRequest{
		Role:        role,
		KeepConn:    ep.KeepConnection,
		Params:      req.Params,
		Stdin:       req.Stdin,
		IdleTimeout: ep.IdleTimeout,
	}, stdout)
	done := g.now()

	res := &Result{
		Response:  resp,
		Endpoint:  ep,
		QueueTime: connected.Sub(start),
		RunTime:   done.Sub(connected),
	}
	g.post(procmgr.Message{
		Op:          procmgr.OpComplete,
		Class:       req.Class,
		QueueMicros: res.QueueTime.Microseconds(),
		RunMicros:   res.RunTime.Microseconds(),
	})
	if err != nil {
		g.logger.Warn("request failed", "class", req.Class.Path, "error", err)
		return res, fmt.Errorf("gateway: request to %s: %w", req.Class, err)
	}
	return res, nil
}

func (g *Gateway) post(msg procmgr.Message) {
	if err := g.poster.Post(msg); err != nil {
		g.logger.Warn("signal not delivered", "class", msg.Class.Path, "op", msg.Op.String(), "error", err)
	}
}

// connect dials the class, retrying while the socket is missing or refusing
// connections, until the endpoint's connect timeout
func (g *Gateway) connect(ctx context.Context, ep procmgr.Endpoint) (net.Conn, error) {
	if ep.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, ep.Network, ep.Address)
		if err == nil {
			return conn, nil
		}
		if !retryable(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
		case <-time.After(g.retryInterval):
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.EAGAIN)
}
