// Package httpserver implements the wasmcloud:httpserver capability. Each
// bound actor is served on its own TCP port, taken from the PORT link
// value; every request is dispatched to the actor as HandleRequest.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/hostfuncs"
)

var errNoPort = errors.New("port was unspecified")

func init() {
	gin.SetMode(gin.ReleaseMode)
}

type providerConfig struct {
	logger          *slog.Logger
	bindAddress     string
	shutdownTimeout time.Duration
	maxBodySize     int
}

func defaultProviderConfig() providerConfig {
	return providerConfig{
		logger:          slog.Default(),
		bindAddress:     "0.0.0.0",
		shutdownTimeout: 10 * time.Second,
		maxBodySize:     hostfuncs.DefaultMaxRequestSize,
	}
}

// Option configures a Provider.
type Option func(*providerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *providerConfig) {
		c.logger = l
	}
}

// WithBindAddress sets the interface actors are served on.
func WithBindAddress(addr string) Option {
	return func(c *providerConfig) {
		c.bindAddress = addr
	}
}

// WithShutdownTimeout bounds how long in-flight requests may take to drain
// when an actor is unbound.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *providerConfig) {
		c.shutdownTimeout = d
	}
}

// WithMaxBodySize limits request bodies forwarded to actors.
func WithMaxBodySize(n int) Option {
	return func(c *providerConfig) {
		c.maxBodySize = n
	}
}

type server struct {
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// Provider serves HTTP on behalf of bound actors.
type Provider struct {
	dispatcher ports.Dispatcher
	servers    map[entities.ActorIdentity]*server
	config     providerConfig
	mu         sync.Mutex
}

var _ ports.CapabilityProvider = (*Provider)(nil)

// New creates an HTTP server provider.
func New(opts ...Option) *Provider {
	cfg := defaultProviderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		servers: make(map[entities.ActorIdentity]*server),
		config:  cfg,
	}
}

func (p *Provider) Start(_ context.Context, d ports.Dispatcher) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatcher = d
	return nil
}

// BindActor binds the listener synchronously so port conflicts surface as
// link failures, then serves in the background.
func (p *Provider) BindActor(ctx context.Context, actor entities.ActorIdentity, env entities.EnvVars) error {
	raw, ok := env[entities.PortKey]
	if !ok || raw == "" {
		return errNoPort
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", raw, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatcher == nil {
		return errors.New("provider not started")
	}
	if _, ok := p.servers[actor]; ok {
		return fmt.Errorf("actor %s is already served", actor)
	}

	address := net.JoinHostPort(p.config.bindAddress, strconv.FormatUint(port, 10))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}

	s := &server{
		srv: &http.Server{
			Handler:           p.handler(actor),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		addr: listener.Addr(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.config.logger.Error("http server failed", "actor", actor, "error", err)
		}
	}()
	p.servers[actor] = s
	p.config.logger.InfoContext(ctx, "http server listening", "actor", actor, "address", s.addr.String())
	return nil
}

// RemoveActor shuts the actor's server down, waiting for in-flight
// requests up to the shutdown timeout.
func (p *Provider) RemoveActor(ctx context.Context, actor entities.ActorIdentity) error {
	p.mu.Lock()
	s := p.servers[actor]
	delete(p.servers, actor)
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	return p.shutdown(ctx, actor, s)
}

func (p *Provider) shutdown(ctx context.Context, actor entities.ActorIdentity, s *server) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		_ = s.srv.Close()
		return fmt.Errorf("http server shutdown for %s: %w", actor, err)
	}
	<-s.done
	p.config.logger.InfoContext(ctx, "http server stopped", "actor", actor)
	return nil
}

// HandleCall rejects every operation; actors never call this provider.
func (p *Provider) HandleCall(_ context.Context, _ entities.ActorIdentity, operation string, _ []byte) ([]byte, error) {
	return nil, fmt.Errorf("unsupported httpserver operation %q", operation)
}

func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	servers := p.servers
	p.servers = make(map[entities.ActorIdentity]*server)
	p.mu.Unlock()

	var errs []error
	for actor, s := range servers {
		errs = append(errs, p.shutdown(ctx, actor, s))
	}
	return errors.Join(errs...)
}

// Addr returns the address an actor is being served on.
func (p *Provider) Addr(actor entities.ActorIdentity) (net.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.servers[actor]
	if !ok {
		return nil, false
	}
	return s.addr, true
}

// handler routes every request of an actor's server to the actor.
func (p *Provider) handler(actor entities.ActorIdentity) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), p.requestLogger(actor))
	router.NoRoute(func(c *gin.Context) {
		p.forward(c, actor)
	})
	return router
}

func (p *Provider) requestLogger(actor entities.ActorIdentity) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		switch status := c.Writer.Status(); {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		p.config.logger.Log(c.Request.Context(), level, "http request",
			"actor", actor,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"bytes", c.Writer.Size(),
		)
	}
}

func (p *Provider) forward(c *gin.Context, actor entities.ActorIdentity) {
	r := c.Request
	body := hostfuncs.NewBoundedBuffer(p.config.maxBodySize)
	if _, err := io.Copy(body, r.Body); err != nil {
		c.String(http.StatusBadRequest, "reading request body")
		return
	}
	if body.Truncated {
		c.String(http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payload, err := json.Marshal(entities.HTTPRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Header:      r.Header,
		Body:        body.Bytes(),
	})
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	reply, err := p.dispatcher.Dispatch(r.Context(), actor, entities.OpHandleRequest, payload)
	if err != nil {
		p.config.logger.WarnContext(r.Context(), "actor failed to handle request",
			"actor", actor, "method", r.Method, "path", r.URL.Path, "error", err)
		c.String(http.StatusInternalServerError, "actor failed to handle request")
		return
	}

	var resp entities.HTTPResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		c.String(http.StatusBadGateway, "actor returned a malformed response")
		return
	}
	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Status(status)
	_, _ = c.Writer.Write(resp.Body)
}
