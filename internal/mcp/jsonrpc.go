package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes used when answering server requests.
const (
	codeMethodNotFound = -32601
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// errorReply answers a server-initiated request with an error. The id
// is echoed verbatim because servers may use string ids.
type errorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *RPCError       `json:"error"`
}

// resultReply answers a server-initiated request with a result.
type resultReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// Message is one inbound line from a tool server after parsing. It is
// either a response (HasID and Method empty), a server request (HasID
// and Method set), or a notification (Method set, no id).
type Message struct {
	ID     int64
	HasID  bool
	RawID  json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// IsResponse reports whether m answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.HasID && m.Method == ""
}

// Response converts m into the typed response handed to callers.
func (m *Message) Response() *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      m.ID,
		Result:  m.Result,
		Error:   m.Error,
	}
}

// errIrrelevant marks well-formed JSON that carries nothing we act on.
var errIrrelevant = errors.New("message carries no result, error, tools, content, or method")

// wireMessage is the superset of fields we look for on an inbound line.
// Some servers put a tools/call payload directly under "content" or a
// tools/list payload under "tools" instead of nesting it in "result".
type wireMessage struct {
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
	Tools   json.RawMessage `json:"tools"`
}

// parseMessage decodes one line. Lines that are not JSON objects, or
// that carry none of the fields we act on, return an error; the caller
// logs and drops them.
func parseMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, fmt.Errorf("not a JSON object: %.80q", line)
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	msg := &Message{
		Method: w.Method,
		Params: w.Params,
		Result: w.Result,
		Error:  w.Error,
	}
	if id, ok := parseID(w.ID); ok {
		msg.ID = id
		msg.HasID = true
		msg.RawID = w.ID
	} else if len(w.ID) > 0 && !isNull(w.ID) {
		// Non-numeric ids are only meaningful on server requests, which
		// we answer by echoing the raw id.
		msg.RawID = w.ID
		msg.HasID = w.Method != ""
	}

	// A present "result" key settles the request even when it is null.
	hasResult := len(w.Result) > 0
	if (!hasResult || isNull(w.Result)) && msg.Error == nil {
		switch {
		case len(w.Content) > 0 && !isNull(w.Content):
			normalized, err := json.Marshal(map[string]any{
				"content": w.Content,
				"isError": w.IsError,
			})
			if err != nil {
				return nil, fmt.Errorf("normalize content: %w", err)
			}
			msg.Result = normalized
		case len(w.Tools) > 0 && !isNull(w.Tools):
			normalized, err := json.Marshal(map[string]any{"tools": w.Tools})
			if err != nil {
				return nil, fmt.Errorf("normalize tools: %w", err)
			}
			msg.Result = normalized
		case !hasResult && msg.Method == "":
			return nil, errIrrelevant
		}
	}

	return msg, nil
}

// parseID accepts numeric ids and numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || isNull(raw) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id, true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
