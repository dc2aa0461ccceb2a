// Package message defines the values that flow through a single remote call.
//
// A Request is built once per call by the client (or decoded from an incoming
// HTTP request by the server), passed through the middleware chain, and turned
// into a Response by the transport (client) or the dispatcher (server).
package message

import "github.com/go-json-experiment/json/jsontext"

// Request describes one outbound (or inbound) remote call.
//
//   - Endpoint is the final URL: normalized base URL + method name.
//   - Service and Method are only filled on the server side, after routing.
//   - Args holds the JSON array text of the argument sequence, nil when the
//     caller supplied no params (the form field is then omitted entirely).
//   - Session identifies the caller's session for session-scoped services.
type Request struct {
	Endpoint  string
	Service   string
	Method    string
	ArgsField string
	Args      []byte
	Session   string
}

// HasArgs reports whether the argument field is present on the wire.
func (r *Request) HasArgs() bool {
	return r.Args != nil
}

// Response carries the raw JSON body of a call, or the error that ended it.
type Response struct {
	Payload []byte
	Err     error
}

// Envelope is the JSON object the server writes for every dispatched call.
// Exactly one of Return, Exception or Error is set, except for methods without
// a result, which carry none of them.
type Envelope struct {
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Timestamp string          `json:"timestamp"`
	Return    *jsontext.Value `json:"return,omitzero"`
	Exception *Fault          `json:"exception,omitzero"`
	Error     *Fault          `json:"error,omitzero"`
}

// Fault describes a failure raised by a service method, including its chain of causes.
type Fault struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	Cause   *Fault `json:"cause,omitzero"`
}

// TimestampLayout is the layout of Envelope.Timestamp.
const TimestampLayout = "20060102T15:04:05"

// MethodDescription is one entry of a service description.
type MethodDescription struct {
	Method     string   `json:"method"`
	Params     []string `json:"params"`
	Exceptions []string `json:"exceptions"`
	Returns    string   `json:"returns"`
}
