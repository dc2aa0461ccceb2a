package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"post-rpc/message"
)

var (
	ErrServiceNotFound  = errors.New("unknown service")
	ErrMethodNotFound   = errors.New("unknown method")
	ErrMethodFiltered   = errors.New("method filtered")
	ErrArgumentMismatch = errors.New("arguments do not match method")
	ErrNoSession        = errors.New("no session for session-scoped service")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodType struct {
	method   reflect.Method
	argTypes []reflect.Type // parameters after the receiver and the optional context
	hasCtx   bool
	hasReply bool
	hasErr   bool
}

// description renders the method as "Name(type, type)".
func (m *methodType) description() string {
	names := make([]string, len(m.argTypes))
	for i, t := range m.argTypes {
		names[i] = t.String()
	}
	return m.method.Name + "(" + strings.Join(names, ", ") + ")"
}

// DescribeMethod is the reserved method name every service answers with its
// method descriptions.
const DescribeMethod = "_describe"

// instance is one receiver of a service and the lock that serializes calls on it.
type instance struct {
	rcvr     reflect.Value
	mu       sync.Mutex
	lastUsed time.Time // session instances only, guarded by service.sessionsMu
}

type service struct {
	name     string
	typ      reflect.Type
	method   map[string]*methodType
	aliases  map[string]string // lower-camel name → Go method name
	filterMu sync.RWMutex
	filtered map[string]bool // Go method names, plus DescribeMethod

	shared *instance // nil for session-scoped services

	factory    func() any
	sessionsMu sync.Mutex
	sessions   map[string]*instance
}

// newService 创建 service 并扫描所有合法方法
func newService(name string, rcvr any) (*service, error) {
	svc, err := newServiceOf(name, reflect.TypeOf(rcvr))
	if err != nil {
		return nil, err
	}
	svc.shared = &instance{rcvr: reflect.ValueOf(rcvr)}
	return svc, nil
}

// newSessionService creates a service whose receivers come from factory, one
// per session.
func newSessionService(name string, factory func() any) (*service, error) {
	if factory == nil {
		return nil, errors.New("rpc: nil session factory")
	}
	svc, err := newServiceOf(name, reflect.TypeOf(factory()))
	if err != nil {
		return nil, err
	}
	svc.factory = factory
	svc.sessions = make(map[string]*instance)
	return svc, nil
}

func newServiceOf(name string, typ reflect.Type) (*service, error) {
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("rpc: invalid service name %q", name)
	}
	svc := &service{
		name:     name,
		typ:      typ,
		method:   make(map[string]*methodType),
		aliases:  make(map[string]string),
		filtered: make(map[string]bool),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", typ)
	}
	return svc, nil
}

// registerMethods 扫描导出方法，合法签名：
//
//	func (r *T) Name([ctx context.Context,] args...) [(reply)] [(reply, error)] [(error)]
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mType := parseMethod(method)
		if mType == nil {
			continue
		}
		s.method[method.Name] = mType
		if alias := lowerFirst(method.Name); alias != method.Name {
			s.aliases[alias] = method.Name
		}
	}
}

func parseMethod(method reflect.Method) *methodType {
	mt := method.Type
	if mt.IsVariadic() {
		return nil
	}
	m := &methodType{method: method}
	first := 1
	if mt.NumIn() > 1 && mt.In(1) == contextType {
		m.hasCtx = true
		first = 2
	}
	for i := first; i < mt.NumIn(); i++ {
		m.argTypes = append(m.argTypes, mt.In(i))
	}
	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			m.hasErr = true
		} else {
			m.hasReply = true
		}
	case 2:
		if mt.Out(1) != errorType {
			return nil
		}
		m.hasReply = true
		m.hasErr = true
	default:
		return nil
	}
	return m
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// resolve maps a Go method name or its alias to the Go method name.
func (s *service) resolve(name string) (string, bool) {
	if _, ok := s.method[name]; ok {
		return name, true
	}
	goName, ok := s.aliases[name]
	return goName, ok
}

// filter hides the named methods. Nothing changes when one name is unknown.
func (s *service) filter(names ...string) error {
	resolved := make([]string, 0, len(names))
	for _, name := range names {
		if name == DescribeMethod {
			resolved = append(resolved, name)
			continue
		}
		goName, ok := s.resolve(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrMethodNotFound, s.name, name)
		}
		resolved = append(resolved, goName)
	}

	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	for _, goName := range resolved {
		s.filtered[goName] = true
	}
	return nil
}

func (s *service) isFiltered(goName string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filtered[goName]
}

// lookup resolves a requested method name, by Go name first and then by alias.
func (s *service) lookup(name string) (*methodType, error) {
	goName, ok := s.resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodNotFound, s.name, name)
	}
	if s.isFiltered(goName) {
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodFiltered, s.name, name)
	}
	return s.method[goName], nil
}

// describe lists the methods that are not filtered, sorted by name.
func (s *service) describe() []message.MethodDescription {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		if !s.isFiltered(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	out := make([]message.MethodDescription, 0, len(names))
	for _, name := range names {
		m := s.method[name]
		desc := message.MethodDescription{
			Method:     lowerFirst(name),
			Params:     make([]string, len(m.argTypes)),
			Exceptions: []string{},
			Returns:    "void",
		}
		for i, t := range m.argTypes {
			desc.Params[i] = t.String()
		}
		if m.hasReply {
			desc.Returns = m.method.Type.Out(0).String()
		}
		if m.hasErr {
			desc.Exceptions = append(desc.Exceptions, errorType.String())
		}
		out = append(out, desc)
	}
	return out
}

func (s *service) sessionScoped() bool {
	return s.factory != nil
}

// instance returns the receiver for session. Session instances idle for
// longer than ttl are dropped on the way.
func (s *service) instance(session string, now time.Time, ttl time.Duration) (*instance, error) {
	if !s.sessionScoped() {
		return s.shared, nil
	}
	if session == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, s.name)
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if ttl > 0 {
		for id, inst := range s.sessions {
			if now.Sub(inst.lastUsed) > ttl {
				delete(s.sessions, id)
			}
		}
	}
	inst, ok := s.sessions[session]
	if !ok {
		rcvr := s.factory()
		if reflect.TypeOf(rcvr) != s.typ {
			return nil, fmt.Errorf("rpc: session factory of %s returned %T, want %s", s.name, rcvr, s.typ)
		}
		inst = &instance{rcvr: reflect.ValueOf(rcvr)}
		s.sessions[session] = inst
	}
	inst.lastUsed = now
	return inst, nil
}

// callResult is what came out of one reflective call.
type callResult struct {
	reply     reflect.Value
	err       error // returned by the method
	recovered any   // panic value
}

// call decodes args into the method's parameter types and invokes it on inst
// while holding its lock. An error return means the method was never invoked.
func (s *service) call(ctx context.Context, inst *instance, mType *methodType, args []jsontext.Value) (*callResult, error) {
	if len(args) != len(mType.argTypes) {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d",
			ErrArgumentMismatch, s.name, mType.method.Name, len(mType.argTypes), len(args))
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, inst.rcvr)
	if mType.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, raw := range args {
		argv := reflect.New(mType.argTypes[i])
		if err := json.Unmarshal(raw, argv.Interface()); err != nil {
			return nil, fmt.Errorf("%w: argument %d of %s.%s: %v",
				ErrArgumentMismatch, i, s.name, mType.method.Name, err)
		}
		in = append(in, argv.Elem())
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	result := &callResult{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.recovered = r
			}
		}()
		out := mType.method.Func.Call(in)
		if mType.hasReply {
			result.reply = out[0]
		}
		if mType.hasErr {
			if errv := out[len(out)-1]; !errv.IsNil() {
				result.err = errv.Interface().(error)
			}
		}
	}()
	return result, nil
}

// errorFault converts err and its chain of wrapped causes into a Fault.
func errorFault(err error) *message.Fault {
	if err == nil {
		return nil
	}
	return &message.Fault{
		Class:   fmt.Sprintf("%T", err),
		Message: err.Error(),
		Cause:   errorFault(errors.Unwrap(err)),
	}
}

// panicFault converts a recovered panic value into a Fault.
func panicFault(v any) *message.Fault {
	if err, ok := v.(error); ok {
		return errorFault(err)
	}
	return &message.Fault{
		Class:   fmt.Sprintf("%T", v),
		Message: fmt.Sprint(v),
	}
}
