package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/registry"
	"post-rpc/services"
)

type Arith struct{}

func (a *Arith) Add(x, y int) int {
	return x + y
}

func (a *Arith) Divide(x, y int) (int, error) {
	if y == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return x / y, nil
}

func (a *Arith) HasDeadline(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	return ok
}

func (a *Arith) Variadic(xs ...int) int {
	return len(xs)
}

var fixedTime = time.Date(2009, 6, 1, 13, 4, 5, 0, time.UTC)

func newTestServer(t *testing.T, mws ...middleware.Middleware) (*Server, *httptest.Server) {
	t.Helper()
	svr := NewServer()
	svr.now = func() time.Time { return fixedTime }
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.RegisterName("test", &services.TestService{}))
	require.NoError(t, svr.RegisterName("random", &services.RandomService{}))
	for _, mw := range mws {
		svr.Use(mw)
	}
	ts := httptest.NewServer(svr.Handler())
	t.Cleanup(ts.Close)
	return svr, ts
}

// post sends the argument field (omitted when args is empty) and returns status and body.
func post(t *testing.T, endpoint, args string) (int, string) {
	t.Helper()
	return postWith(t, http.DefaultClient, endpoint, args)
}

func postWith(t *testing.T, c *http.Client, endpoint, args string) (int, string) {
	t.Helper()
	form := url.Values{}
	if args != "" {
		form.Set("a", args)
	}
	resp, err := c.PostForm(endpoint, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func postEnvelope(t *testing.T, endpoint, args string) map[string]any {
	t.Helper()
	return postEnvelopeWith(t, http.DefaultClient, endpoint, args)
}

func postEnvelopeWith(t *testing.T, c *http.Client, endpoint, args string) map[string]any {
	t.Helper()
	status, body := postWith(t, c, endpoint, args)
	require.Equal(t, http.StatusOK, status, body)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	return env
}

func TestListServices(t *testing.T) {
	_, ts := newTestServer(t)

	status, body := post(t, ts.URL+"/", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `["Arith","random","test"]`, body)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestCallEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/Arith/Add", "[2,3]")
	assert.Equal(t, "Arith", env["service"])
	assert.Equal(t, "Add(int, int)", env["method"])
	assert.Equal(t, "20090601T13:04:05", env["timestamp"])
	assert.Equal(t, float64(5), env["return"])
	assert.NotContains(t, env, "exception")
	assert.NotContains(t, env, "error")
}

func TestLowerCamelAlias(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/Arith/add", "[2,3]")
	assert.Equal(t, float64(5), env["return"])

	env = postEnvelope(t, ts.URL+"/test/echo", `[{"k":[1,2]}]`)
	assert.Equal(t, map[string]any{"k": []any{float64(1), float64(2)}}, env["return"])
	assert.Equal(t, "Echo(interface {})", env["method"])
}

func TestEchoAll(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/test/echoAll", `[1,2.5,"s",true]`)
	assert.Equal(t, []any{float64(1), 2.5, "s", true}, env["return"])
}

func TestVoidAndNull(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/test/returnVoid", "")
	assert.NotContains(t, env, "return")

	env = postEnvelope(t, ts.URL+"/test/returnNull", "")
	require.Contains(t, env, "return")
	assert.Nil(t, env["return"])
}

func TestMethodError(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/test/throwException", "")
	assert.NotContains(t, env, "return")
	exception, ok := env["exception"].(map[string]any)
	require.True(t, ok, "expect exception object, got %v", env)
	assert.Equal(t, "*fmt.wrapError", exception["class"])
	assert.Equal(t, "exception!: exception cause: error cause", exception["message"])

	cause := exception["cause"].(map[string]any)
	assert.Equal(t, "exception cause: error cause", cause["message"])
	root := cause["cause"].(map[string]any)
	assert.Equal(t, "*errors.errorString", root["class"])
	assert.Equal(t, "error cause", root["message"])
	assert.NotContains(t, root, "cause")

	env = postEnvelope(t, ts.URL+"/Arith/divide", "[1,0]")
	assert.Contains(t, env, "exception")

	env = postEnvelope(t, ts.URL+"/Arith/divide", "[6,3]")
	assert.Equal(t, float64(2), env["return"])
}

func TestMethodPanic(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/test/throwError", "")
	fault, ok := env["error"].(map[string]any)
	require.True(t, ok, "expect error object, got %v", env)
	assert.Equal(t, "string", fault["class"])
	assert.Equal(t, "error!", fault["message"])
}

func TestStatefulService(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/test/hasValue", "")
	assert.Equal(t, false, env["return"])

	postEnvelope(t, ts.URL+"/test/saveValue", `["kept"]`)
	env = postEnvelope(t, ts.URL+"/test/retrieveValue", "")
	assert.Equal(t, "kept", env["return"])

	postEnvelope(t, ts.URL+"/test/deleteValue", "")
	env = postEnvelope(t, ts.URL+"/test/hasValue", "")
	assert.Equal(t, false, env["return"])
}

func TestRandomService(t *testing.T) {
	_, ts := newTestServer(t)

	env := postEnvelope(t, ts.URL+"/random/createRandomString", "[12]")
	ret := env["return"].(map[string]any)
	assert.Equal(t, float64(12), ret["length"])
	created := ret["created"].(string)
	assert.Len(t, created, 12)

	env = postEnvelope(t, ts.URL+"/random/lastRandomString", "")
	assert.Equal(t, created, env["return"])
}

func TestQueryArguments(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/Arith/add?a=" + url.QueryEscape("[4,5]"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env map[string]any
	require.NoError(t, json.UnmarshalRead(resp.Body, &env))
	assert.Equal(t, float64(9), env["return"])
}

func TestRoutingErrors(t *testing.T) {
	svr, ts := newTestServer(t)
	require.NoError(t, svr.Filter("test", "DeleteValue"))

	cases := []struct {
		name, path, args, contains string
	}{
		{"unknown service", "/Nope/add", "", "unknown service"},
		{"unknown method", "/Arith/nope", "", "unknown method"},
		{"variadic method is not exported", "/Arith/variadic", "[1]", "unknown method"},
		{"missing method", "/Arith", "", "invalid service path"},
		{"extra segment", "/Arith/add/more", "[1,2]", "invalid service path"},
		{"filtered method", "/test/deleteValue", "", "method filtered"},
		{"wrong arity", "/Arith/add", "[1]", "arguments do not match"},
		{"wrong type", "/Arith/add", `["x",1]`, "arguments do not match"},
		{"malformed args", "/Arith/add", "[1,", "arguments do not match"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := post(t, ts.URL+tc.path, tc.args)
			assert.Equal(t, http.StatusInternalServerError, status)
			assert.Contains(t, body, tc.contains)
		})
	}

}

func TestFilterHidesBothNames(t *testing.T) {
	for _, name := range []string{"deleteValue", "DeleteValue"} {
		t.Run(name, func(t *testing.T) {
			svr, ts := newTestServer(t)
			require.NoError(t, svr.Filter("test", name))

			for _, path := range []string{"/test/deleteValue", "/test/DeleteValue"} {
				status, body := post(t, ts.URL+path, "")
				assert.Equal(t, http.StatusInternalServerError, status, path)
				assert.Contains(t, body, "method filtered", path)
			}
			postEnvelope(t, ts.URL+"/test/saveValue", `["still here"]`)
		})
	}
}

func TestFilterUnknownMethod(t *testing.T) {
	svr, ts := newTestServer(t)

	err := svr.Filter("test", "deleteValu")
	assert.ErrorIs(t, err, ErrMethodNotFound)

	// nothing is hidden when one name is wrong
	err = svr.Filter("test", "echo", "nope")
	assert.ErrorIs(t, err, ErrMethodNotFound)
	env := postEnvelope(t, ts.URL+"/test/echo", "[1]")
	assert.Equal(t, float64(1), env["return"])

	assert.ErrorIs(t, svr.Filter("Nope", "x"), ErrServiceNotFound)
}

func TestDescribe(t *testing.T) {
	svr, ts := newTestServer(t)

	env := describeArith(t, ts)
	assert.Equal(t, "Arith", env.Service)
	assert.Equal(t, "_describe()", env.Method)
	assert.Equal(t, []message.MethodDescription{
		{Method: "add", Params: []string{"int", "int"}, Exceptions: []string{}, Returns: "int"},
		{Method: "divide", Params: []string{"int", "int"}, Exceptions: []string{"error"}, Returns: "int"},
		{Method: "hasDeadline", Params: []string{}, Exceptions: []string{}, Returns: "bool"},
	}, env.Return)

	env2 := postEnvelope(t, ts.URL+"/test/_describe", "")
	methods := env2["return"].([]any)
	void := methods[describedIndex(methods, "returnVoid")].(map[string]any)
	assert.Equal(t, "void", void["returns"])

	require.NoError(t, svr.Filter("Arith", "divide"))
	assert.Len(t, describeArith(t, ts).Return, 2)

	require.NoError(t, svr.Filter("Arith", DescribeMethod))
	status, body := post(t, ts.URL+"/Arith/_describe", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body, "method filtered")
}

type describeEnvelope struct {
	Service string                      `json:"service"`
	Method  string                      `json:"method"`
	Return  []message.MethodDescription `json:"return"`
}

func describeArith(t *testing.T, ts *httptest.Server) describeEnvelope {
	t.Helper()
	status, body := post(t, ts.URL+"/Arith/_describe", "")
	require.Equal(t, http.StatusOK, status, body)
	var env describeEnvelope
	require.NoError(t, json.Unmarshal([]byte(body), &env), body)
	return env
}

// describedIndex finds the description of method in a decoded _describe result.
func describedIndex(methods []any, method string) int {
	for i, m := range methods {
		if m.(map[string]any)["method"] == method {
			return i
		}
	}
	return -1
}

func newSessionClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func TestSessionScopedService(t *testing.T) {
	now := fixedTime
	svr := NewServer(WithSessionTTL(time.Minute))
	svr.now = func() time.Time { return now }
	require.NoError(t, svr.RegisterSession("session", func() any { return &services.TestService{} }))
	ts := httptest.NewServer(svr.Handler())
	defer ts.Close()

	alice, bob := newSessionClient(t), newSessionClient(t)

	postEnvelopeWith(t, alice, ts.URL+"/session/saveValue", `["alice"]`)
	env := postEnvelopeWith(t, alice, ts.URL+"/session/retrieveValue", "")
	assert.Equal(t, "alice", env["return"])

	env = postEnvelopeWith(t, bob, ts.URL+"/session/hasValue", "")
	assert.Equal(t, false, env["return"])
	postEnvelopeWith(t, bob, ts.URL+"/session/saveValue", `["bob"]`)
	env = postEnvelopeWith(t, alice, ts.URL+"/session/retrieveValue", "")
	assert.Equal(t, "alice", env["return"])

	// without cookies every call starts a new session
	resp, err := http.PostForm(ts.URL+"/session/hasValue", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Cookies())
	assert.Equal(t, SessionCookie, resp.Cookies()[0].Name)
	env = postEnvelope(t, ts.URL+"/session/retrieveValue", "")
	assert.Nil(t, env["return"])

	// idle sessions expire
	now = now.Add(2 * time.Minute)
	env = postEnvelopeWith(t, alice, ts.URL+"/session/retrieveValue", "")
	assert.Nil(t, env["return"])
}

func TestRegisterSessionErrors(t *testing.T) {
	svr := NewServer()
	assert.Error(t, svr.RegisterSession("s", nil))
	assert.Error(t, svr.RegisterSession("s", func() any { return services.TestService{} }))
	require.NoError(t, svr.RegisterSession("s", func() any { return &services.TestService{} }))
	assert.Error(t, svr.RegisterName("s", &Arith{}), "duplicate service")
}

func TestContextMethod(t *testing.T) {
	_, ts := newTestServer(t, middleware.TimeoutMiddleware(time.Second))

	env := postEnvelope(t, ts.URL+"/Arith/hasDeadline", "")
	assert.Equal(t, true, env["return"])
}

func TestRateLimitedServer(t *testing.T) {
	_, ts := newTestServer(t, middleware.RateLimitMiddleware(0.001, 1))

	status, _ := post(t, ts.URL+"/Arith/add", "[1,1]")
	assert.Equal(t, http.StatusOK, status)

	status, body := post(t, ts.URL+"/Arith/add", "[1,1]")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, "rate limit exceeded")
}

func TestRegisterErrors(t *testing.T) {
	svr := NewServer()
	assert.Error(t, svr.Register(Arith{}), "non-pointer receiver")
	assert.Error(t, svr.Register(nil))
	x := 1
	assert.Error(t, svr.Register(&x), "pointer to non-struct")

	require.NoError(t, svr.Register(&Arith{}))
	assert.Error(t, svr.Register(&Arith{}), "duplicate service")
	assert.Error(t, svr.RegisterName("a/b", &Arith{}))
}

func TestServeAndShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithBasePath("/rpc/"))
	require.NoError(t, svr.Register(&Arith{}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + listener.Addr().String() + "/rpc"

	done := make(chan error, 1)
	go func() {
		done <- svr.ServeListener(listener, base, reg)
	}()

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "Arith")
		return len(instances) == 1
	}, time.Second, 10*time.Millisecond)

	status, body := post(t, base+"/Arith/add", "[1,2]")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(body, `"return":3`), body)

	status, _ = post(t, strings.TrimSuffix(base, "/rpc")+"/Arith/add", "[1,2]")
	assert.Equal(t, http.StatusNotFound, status)

	require.NoError(t, svr.Shutdown(3*time.Second))
	require.NoError(t, <-done)

	instances, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, instances)
}
