// Package client invokes remote methods over HTTP.
//
// An Invoker turns (base URL, method, params) into exactly one form-encoded
// POST and hands the decoded JSON body to the caller:
//
//	inv, _ := client.NewInvoker()
//	inv.Invoke(ctx, "http://host/api", "add", []int{2, 3}, func(v any) {
//		fmt.Println(v) // 5
//	})
//
// Invoke is fire-and-forget; Call and Go are the synchronous and future forms
// of the same exchange and return its error.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"post-rpc/codec"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/transport"
)

// Config is the per-Invoker configuration.
type Config struct {
	// ArgsField is the form field that carries the argument array.
	ArgsField string
	// ResponseFormat is the expected encoding of response bodies.
	ResponseFormat codec.Format
}

// DefaultConfig returns the configuration every Invoker starts from.
func DefaultConfig() Config {
	return Config{
		ArgsField:      protocol.DefaultArgsField,
		ResponseFormat: codec.FormatJSON,
	}
}

// Result is what Go delivers once the call is over.
type Result struct {
	Value any
	Err   error
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithConfig replaces the whole configuration. Empty fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(inv *Invoker) {
		if cfg.ArgsField != "" {
			inv.config.ArgsField = cfg.ArgsField
		}
		if cfg.ResponseFormat != "" {
			inv.config.ResponseFormat = cfg.ResponseFormat
		}
	}
}

// WithArgsField sets the form field that carries the arguments.
func WithArgsField(field string) Option {
	return WithConfig(Config{ArgsField: field})
}

// WithResponseFormat sets the format responses are decoded with.
func WithResponseFormat(format codec.Format) Option {
	return WithConfig(Config{ResponseFormat: format})
}

// WithHTTPClient sets the client used for the POST. The default is http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(inv *Invoker) {
		inv.transport = transport.NewHTTPTransport(c)
	}
}

// WithLogger sets the logger for call logs and failed callbacks. nil is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(inv *Invoker) {
		if logger != nil {
			inv.logger = logger
		}
	}
}

// WithMiddleware appends middlewares around the transport, applied in order.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(inv *Invoker) {
		inv.middlewares = append(inv.middlewares, mws...)
	}
}

// WithErrorHandler receives the failures of Invoke, which never reach the
// result callback.
func WithErrorHandler(fn func(error)) Option {
	return func(inv *Invoker) {
		inv.onError = fn
	}
}

// Invoker issues remote calls. It holds no per-call state and is safe for
// concurrent use.
type Invoker struct {
	config      Config
	codec       codec.Codec
	transport   *transport.HTTPTransport
	logger      *zap.Logger
	middlewares []middleware.Middleware
	onError     func(error)
}

// NewInvoker builds an Invoker. It fails only for an unsupported response format.
func NewInvoker(opts ...Option) (*Invoker, error) {
	inv := &Invoker{
		config:    DefaultConfig(),
		transport: transport.NewHTTPTransport(nil),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	c, err := codec.GetCodec(inv.config.ResponseFormat)
	if err != nil {
		return nil, err
	}
	inv.codec = c
	return inv, nil
}

// Config returns the configuration in effect.
func (inv *Invoker) Config() Config {
	return inv.config
}

// Invoke posts to baseURL + method and returns at once. onResult runs exactly
// once on another goroutine with the decoded body, and only when the call
// succeeds; failures go to the error handler.
func (inv *Invoker) Invoke(ctx context.Context, baseURL, method string, params any, onResult func(any)) {
	inv.dispatch(func(result *any) error {
		return inv.Call(ctx, baseURL, method, params, result)
	}, onResult)
}

// Call performs the exchange synchronously and decodes the body into reply.
// A nil reply discards the body.
func (inv *Invoker) Call(ctx context.Context, baseURL, method string, params any, reply any) error {
	payload, err := inv.exchange(ctx, protocol.Endpoint(baseURL, method), params)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := inv.codec.Decode(payload, reply); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Go starts the call and returns a channel that receives exactly one Result.
func (inv *Invoker) Go(ctx context.Context, baseURL, method string, params any) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		var value any
		err := inv.Call(ctx, baseURL, method, params, &value)
		ch <- Result{Value: value, Err: err}
	}()
	return ch
}

// Services asks the server mounted at baseURL for its service names.
func (inv *Invoker) Services(ctx context.Context, baseURL string) ([]string, error) {
	var names []string
	if err := inv.Call(ctx, baseURL, "", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (inv *Invoker) exchange(ctx context.Context, endpoint string, params any) ([]byte, error) {
	args, err := codec.EncodeArgs(inv.codec, params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	req := &message.Request{
		Endpoint:  endpoint,
		ArgsField: inv.config.ArgsField,
		Args:      args,
	}

	logger := inv.logger.With(zap.String("call_id", uuid.NewString()))
	mws := append([]middleware.Middleware{middleware.LoggingMiddleware(logger)}, inv.middlewares...)
	resp := middleware.Chain(mws...)(inv.transport.Send)(ctx, req)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Payload, nil
}

// dispatch runs call on its own goroutine and routes the outcome.
func (inv *Invoker) dispatch(call func(result *any) error, onResult func(any)) {
	go func() {
		var result any
		if err := call(&result); err != nil {
			inv.fail(err)
			return
		}
		if onResult != nil {
			onResult(result)
		}
	}()
}

func (inv *Invoker) fail(err error) {
	if inv.onError != nil {
		inv.onError(err)
		return
	}
	inv.logger.Warn("remote call failed", zap.Error(err))
}
