// Package protocol implements the HTTP wire format of post-rpc.
//
// A call is a single POST to the endpoint URL with a form-encoded body:
//
//	POST <base URL>/<method>
//	Content-Type: application/x-www-form-urlencoded
//
//	a=<JSON array of arguments>
//
// The base URL always gets exactly one trailing slash; the method name is
// appended verbatim (no escaping). When the caller passes no params the form
// field is left out entirely, which the server reads as zero arguments.
//
// On the server side the path below the mount point is "<service>/<method>",
// and the empty path asks for the list of registered services.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"post-rpc/message"
)

const (
	// DefaultArgsField is the form field that carries the argument array.
	DefaultArgsField = "a"

	Separator = "/"

	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeJSON = "application/json"
)

// ErrInvalidPath is returned by SplitPath for paths that are not "<service>/<method>".
var ErrInvalidPath = errors.New("invalid service path")

// NormalizeBase appends the separator to baseURL if it is not already there.
func NormalizeBase(baseURL string) string {
	if strings.HasSuffix(baseURL, Separator) {
		return baseURL
	}
	return baseURL + Separator
}

// Endpoint joins the normalized base URL and the method name. An empty method
// leaves the base URL alone.
func Endpoint(baseURL, method string) string {
	return NormalizeBase(baseURL) + method
}

// Form builds the request body fields for req.
func Form(req *message.Request) url.Values {
	form := url.Values{}
	if req.HasArgs() {
		field := req.ArgsField
		if field == "" {
			field = DefaultArgsField
		}
		form.Set(field, string(req.Args))
	}
	return form
}

// NewHTTPRequest builds the POST for req. The endpoint is not validated here;
// a malformed URL fails with whatever error net/http reports.
func NewHTTPRequest(ctx context.Context, req *message.Request) (*http.Request, error) {
	body := Form(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ContentTypeForm)
	httpReq.Header.Set("Accept", ContentTypeJSON)
	return httpReq, nil
}

// SplitPath splits the path below the mount point into service and method.
// Both are required and the method may not contain another separator.
func SplitPath(path string) (service, method string, err error) {
	path = strings.TrimPrefix(path, Separator)
	idx := strings.Index(path, Separator)
	if idx == -1 || idx >= len(path)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	service, method = path[:idx], path[idx+1:]
	if service == "" || strings.Contains(method, Separator) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return service, method, nil
}

// ReadArgs returns the raw argument field of an incoming request, or nil when
// the field is absent or empty.
func ReadArgs(r *http.Request, field string) []byte {
	if field == "" {
		field = DefaultArgsField
	}
	value := r.FormValue(field)
	if value == "" {
		return nil
	}
	return []byte(value)
}

// DecodeArgs splits the JSON array text of the argument field into its
// elements. Absent arguments decode to an empty list.
func DecodeArgs(raw []byte) ([]jsontext.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args []jsontext.Value
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}
