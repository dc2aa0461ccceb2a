// Package transport performs the HTTP exchange of a single call.
//
// Each Send issues exactly one POST and reads the whole body. Nothing is
// retried and no connections are managed here beyond what the underlying
// *http.Client does on its own.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"post-rpc/message"
	"post-rpc/protocol"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// HTTPTransport sends requests with an *http.Client.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client. A nil client means http.DefaultClient.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client}
}

// Send posts req and returns the raw response body. Failures (request
// construction, network, non-2xx status, body read) end up in Response.Err.
func (t *HTTPTransport) Send(ctx context.Context, req *message.Request) *message.Response {
	httpReq, err := protocol.NewHTTPRequest(ctx, req)
	if err != nil {
		return &message.Response{Err: err}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return &message.Response{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &message.Response{Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &message.Response{Err: &StatusError{Code: resp.StatusCode, Body: body}}
	}
	return &message.Response{Payload: body}
}
