package client

import (
	"context"
	"fmt"
	"sync"

	"post-rpc/loadbalance"
	"post-rpc/message"
	"post-rpc/protocol"
	"post-rpc/registry"
)

// RemoteError is a failure reported inside the server's response envelope.
type RemoteError struct {
	Service string
	Method  string
	Panic   bool // the method panicked instead of returning an error
	Fault   *message.Fault
}

func (e *RemoteError) Error() string {
	kind := "exception"
	if e.Panic {
		kind = "error"
	}
	return fmt.Sprintf("%s %s.%s: %s: %s", kind, e.Service, e.Method, e.Fault.Class, e.Fault.Message)
}

// ServiceClient calls services by name. Instances come from a registry and
// the balancer picks one base URL per call.
//
// The first call for a service asks the registry with Discover and starts a
// Watch; later calls use the watched list. Close stops the watches.
type ServiceClient struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	invoker  *Invoker

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	watched map[string]*watchedService
}

// watchedService is the instance list of one service, kept current by Watch.
type watchedService struct {
	mu        sync.RWMutex
	instances []registry.ServiceInstance
}

func (w *watchedService) load() []registry.ServiceInstance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instances
}

func (w *watchedService) store(instances []registry.ServiceInstance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instances = instances
}

func NewServiceClient(reg registry.Registry, bal loadbalance.Balancer, inv *Invoker) *ServiceClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceClient{
		registry: reg,
		balancer: bal,
		invoker:  inv,
		ctx:      ctx,
		cancel:   cancel,
		watched:  make(map[string]*watchedService),
	}
}

// Close stops watching the registry. Calls made afterwards go back to Discover.
func (c *ServiceClient) Close() {
	c.cancel()
}

// instances returns the known instances of service.
func (c *ServiceClient) instances(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	w, ok := c.watched[service]
	c.mu.Unlock()
	if ok {
		return w.load(), nil
	}

	// Watch first so no change between Discover and the watch is lost.
	watchCtx, stop := context.WithCancel(c.ctx)
	updates := c.registry.Watch(watchCtx, service)
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		stop()
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.watched[service]; ok {
		stop()
		return w.load(), nil
	}
	w = &watchedService{instances: instances}
	c.watched[service] = w
	go c.follow(service, w, updates, stop)
	return instances, nil
}

// follow applies watch updates until the watch ends, then forgets the
// service so the next call discovers it again.
func (c *ServiceClient) follow(service string, w *watchedService, updates <-chan []registry.ServiceInstance, stop context.CancelFunc) {
	defer stop()
	for instances := range updates {
		w.store(instances)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[service] == w {
		delete(c.watched, service)
	}
}

// resolve returns the base URL of one instance of service. Keyed balancers
// route on "service.method".
func (c *ServiceClient) resolve(ctx context.Context, service, method string) (string, error) {
	instances, err := c.instances(ctx, service)
	if err != nil {
		return "", err
	}

	var inst *registry.ServiceInstance
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok {
		inst, err = kb.PickKey(service+"."+method, instances)
	} else {
		inst, err = c.balancer.Pick(instances)
	}
	if err != nil {
		return "", fmt.Errorf("pick instance of %s: %w", service, err)
	}
	return protocol.NormalizeBase(inst.URL) + service, nil
}

// Call invokes service.method on one instance and decodes the returned value
// into reply. Exceptions and errors in the envelope come back as *RemoteError.
func (c *ServiceClient) Call(ctx context.Context, service, method string, params any, reply any) error {
	base, err := c.resolve(ctx, service, method)
	if err != nil {
		return err
	}

	var env message.Envelope
	if err := c.invoker.Call(ctx, base, method, params, &env); err != nil {
		return err
	}
	switch {
	case env.Exception != nil:
		return &RemoteError{Service: env.Service, Method: env.Method, Fault: env.Exception}
	case env.Error != nil:
		return &RemoteError{Service: env.Service, Method: env.Method, Panic: true, Fault: env.Error}
	}
	if env.Return == nil || reply == nil {
		return nil
	}
	if err := c.invoker.codec.Decode(*env.Return, reply); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", service, method, err)
	}
	return nil
}

// Invoke is the callback form of Call. onResult receives the returned value,
// or nil for methods without one.
func (c *ServiceClient) Invoke(ctx context.Context, service, method string, params any, onResult func(any)) {
	c.invoker.dispatch(func(result *any) error {
		return c.Call(ctx, service, method, params, result)
	}, onResult)
}
