// Package server implements the HTTP endpoint that post-rpc clients call.
//
// Services are plain structs registered by pointer; their exported methods
// become remote methods reachable at "<mount>/<service>/<method>". The mount
// root itself answers with the JSON list of registered services.
//
// Request processing pipeline:
//
//	net/http → router (service, method) → read "a" form field
//	  → Middleware Chain → businessHandler (decode args → reflect.Call → envelope)
//	  → JSON body, or a plain-text error status
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"post-rpc/codec"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/registry"
)

const (
	// DefaultTTL is the registry lease TTL, in seconds, used by Serve.
	DefaultTTL = 10
	// DefaultSessionTTL is how long an idle session keeps its service instances.
	DefaultSessionTTL = 30 * time.Minute
	// SessionCookie carries the session of session-scoped services.
	SessionCookie = "POSTRPC_SESSION"
)

// Server is the RPC server that registers services and handles incoming calls.
type Server struct {
	mu          sync.RWMutex
	serviceMap  map[string]*service     // Registered services: "Arith" → *service
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	codec       codec.Codec
	argsField   string
	basePath    string
	logger      *zap.Logger
	now         func() time.Time
	sessionTTL  time.Duration

	httpServer    *http.Server
	shutdown      atomic.Bool
	registry      registry.Registry // Service registry, nil if not using discovery
	advertiseURL  string            // Base URL announced in the registry, e.g. "http://10.0.0.5:8080/rpc"
	ttl           int64
	registryClose context.CancelFunc
}

type Option func(*Server)

// WithLogger sets the logger used for failed calls and lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithArgsField changes the form field the argument array is read from.
func WithArgsField(field string) Option {
	return func(s *Server) {
		s.argsField = field
	}
}

// WithBasePath mounts the RPC root below path when serving with Serve.
func WithBasePath(path string) Option {
	return func(s *Server) {
		s.basePath = strings.TrimSuffix(path, protocol.Separator)
	}
}

// WithSessionTTL sets how long an idle session keeps its instances. Zero
// keeps them for the life of the server.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.sessionTTL = ttl
	}
}

// WithTTL sets the registry lease TTL in seconds.
func WithTTL(ttl int64) Option {
	return func(s *Server) {
		s.ttl = ttl
	}
}

// NewServer creates a new RPC server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		codec:      &codec.JSONCodec{},
		argsField:  protocol.DefaultArgsField,
		logger:     zap.NewNop(),
		now:        time.Now,
		ttl:        DefaultTTL,
		sessionTTL: DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers a service receiver (e.g. &Arith{}) under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName registers a service receiver under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	return svr.add(svc)
}

// RegisterSession registers a session-scoped service: every session gets its
// own receiver from factory, kept until the session idles out.
func (svr *Server) RegisterSession(name string, factory func() any) error {
	svc, err := newSessionService(name, factory)
	if err != nil {
		return err
	}
	return svr.add(svc)
}

func (svr *Server) add(svc *service) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Filter hides methods of a registered service from remote callers. Methods
// are named by Go name or alias and hidden under both; DescribeMethod may be
// filtered too. An unknown name fails the whole call.
func (svr *Server) Filter(serviceName string, methods ...string) error {
	svc, err := svr.service(serviceName)
	if err != nil {
		return err
	}
	return svc.filter(methods...)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Services returns the registered service names in sorted order.
func (svr *Server) Services() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (svr *Server) service(name string) (*service, error) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	svc, ok := svr.serviceMap[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Handler returns the HTTP handler for the registered services. The middleware
// chain is built once per call to Handler, so Use must come first.
// Mount it below a prefix with http.StripPrefix.
func (svr *Server) Handler() http.Handler {
	svr.mu.RLock()
	handler := middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.mu.RUnlock()

	r := mux.NewRouter()
	r.HandleFunc("/", svr.listServices).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{service}/{method}", func(w http.ResponseWriter, req *http.Request) {
		svr.serveCall(w, req, handler)
	}).Methods(http.MethodGet, http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(svr.invalidPath)
	return r
}

func (svr *Server) listServices(w http.ResponseWriter, r *http.Request) {
	body, err := svr.codec.Encode(svr.Services())
	if err != nil {
		svr.writeError(w, r, err)
		return
	}
	svr.writeJSON(w, body)
}

func (svr *Server) invalidPath(w http.ResponseWriter, r *http.Request) {
	_, _, err := protocol.SplitPath(r.URL.Path)
	if err == nil {
		err = fmt.Errorf("%w: %q", protocol.ErrInvalidPath, r.URL.Path)
	}
	svr.writeError(w, r, err)
}

func (svr *Server) serveCall(w http.ResponseWriter, r *http.Request, handler middleware.HandlerFunc) {
	vars := mux.Vars(r)
	req := &message.Request{
		Endpoint:  r.URL.String(),
		Service:   vars["service"],
		Method:    vars["method"],
		ArgsField: svr.argsField,
		Args:      protocol.ReadArgs(r, svr.argsField),
	}
	if svc, err := svr.service(req.Service); err == nil && svc.sessionScoped() {
		req.Session = session(w, r)
	}

	resp := handler(r.Context(), req)
	if resp.Err != nil {
		svr.writeError(w, r, resp.Err)
		return
	}
	svr.writeJSON(w, resp.Payload)
}

// session returns the caller's session id, starting a new session when the
// request carries none.
func session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
	})
	return id
}

func (svr *Server) writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	_, _ = w.Write(body)
}

func (svr *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, middleware.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, middleware.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	svr.logger.Warn("rpc request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	http.Error(w, err.Error(), status)
}

// businessHandler dispatches a routed request to its service method and
// renders the envelope. Routing and argument problems come back as
// Response.Err; anything the method itself does ends up in the envelope.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	svc, err := svr.service(req.Service)
	if err != nil {
		return &message.Response{Err: err}
	}
	if req.Method == DescribeMethod {
		return svr.describe(svc)
	}
	mType, err := svc.lookup(req.Method)
	if err != nil {
		return &message.Response{Err: err}
	}
	args, err := protocol.DecodeArgs(req.Args)
	if err != nil {
		return &message.Response{Err: fmt.Errorf("%w: %v", ErrArgumentMismatch, err)}
	}

	inst, err := svc.instance(req.Session, svr.now(), svr.sessionTTL)
	if err != nil {
		return &message.Response{Err: err}
	}
	result, err := svc.call(ctx, inst, mType, args)
	if err != nil {
		return &message.Response{Err: err}
	}

	env := message.Envelope{
		Service:   svc.name,
		Method:    mType.description(),
		Timestamp: svr.now().Format(message.TimestampLayout),
	}
	switch {
	case result.recovered != nil:
		svr.logger.Error("service method panicked",
			zap.String("service", svc.name),
			zap.String("method", mType.method.Name),
			zap.Any("panic", result.recovered))
		env.Error = panicFault(result.recovered)
	case result.err != nil:
		env.Exception = errorFault(result.err)
	case mType.hasReply:
		raw, err := svr.codec.Encode(result.reply.Interface())
		if err != nil {
			return &message.Response{Err: fmt.Errorf("encode %s.%s result: %w", svc.name, mType.method.Name, err)}
		}
		value := jsontext.Value(raw)
		env.Return = &value
	}

	payload, err := svr.codec.Encode(&env)
	if err != nil {
		return &message.Response{Err: err}
	}
	return &message.Response{Payload: payload}
}

func (svr *Server) describe(svc *service) *message.Response {
	if svc.isFiltered(DescribeMethod) {
		return &message.Response{Err: fmt.Errorf("%w: %s.%s", ErrMethodFiltered, svc.name, DescribeMethod)}
	}
	raw, err := svr.codec.Encode(svc.describe())
	if err != nil {
		return &message.Response{Err: err}
	}
	value := jsontext.Value(raw)
	env := message.Envelope{
		Service:   svc.name,
		Method:    DescribeMethod + "()",
		Timestamp: svr.now().Format(message.TimestampLayout),
		Return:    &value,
	}
	payload, err := svr.codec.Encode(&env)
	if err != nil {
		return &message.Response{Err: err}
	}
	return &message.Response{Payload: payload}
}

// Serve listens on address, announces every service under advertiseURL when
// reg is non-nil, and serves until Shutdown.
func (svr *Server) Serve(address, advertiseURL string, reg registry.Registry) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseURL, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseURL string, reg registry.Registry) error {
	handler := svr.Handler()
	if svr.basePath != "" {
		handler = http.StripPrefix(svr.basePath, handler)
	}
	httpServer := &http.Server{Handler: handler}

	svr.mu.Lock()
	svr.httpServer = httpServer
	svr.advertiseURL = advertiseURL
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithCancel(context.Background())
		svr.mu.Lock()
		svr.registryClose = cancel
		svr.mu.Unlock()
		for _, name := range svr.Services() {
			err := reg.Register(ctx, name, registry.ServiceInstance{URL: advertiseURL}, svr.ttl)
			if err != nil {
				svr.logger.Warn("failed to register service",
					zap.String("service", name),
					zap.String("url", advertiseURL),
					zap.Error(err))
			}
		}
	}

	svr.logger.Info("rpc server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Strings("services", svr.Services()))

	err := httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) && svr.shutdown.Load() {
		return nil
	}
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop resolving this server)
//  2. Stop accepting new connections
//  3. Wait for in-flight calls to finish, at most timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	svr.mu.RLock()
	reg, advertiseURL, httpServer, registryClose := svr.registry, svr.advertiseURL, svr.httpServer, svr.registryClose
	svr.mu.RUnlock()

	if reg != nil {
		for _, name := range svr.Services() {
			if err := reg.Deregister(ctx, name, advertiseURL); err != nil {
				svr.logger.Warn("failed to deregister service", zap.String("service", name), zap.Error(err))
			}
		}
	}
	if registryClose != nil {
		registryClose()
	}

	svr.shutdown.Store(true)
	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for ongoing requests to finish")
		}
		return err
	}
	return nil
}
