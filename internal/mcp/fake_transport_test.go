package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// wireMsg is a written message decoded for assertions.
type wireMsg map[string]any

func (m wireMsg) method() string {
	s, _ := m["method"].(string)
	return s
}

func (m wireMsg) id() (int64, bool) {
	f, ok := m["id"].(float64)
	return int64(f), ok
}

// handlerFunc reacts to one message written by the client.
type handlerFunc func(f *fakeTransport, m wireMsg)

// fakeTransport is an in-memory Transport. Replies are fed back through
// the real line parser so framing rules apply.
type fakeTransport struct {
	startErr error
	handler  handlerFunc

	mu        sync.Mutex
	onMessage func(*Message)
	onClose   func(error)
	written   []wireMsg
	closed    bool
	killed    bool
}

func (f *fakeTransport) Start(_ context.Context, onMessage func(*Message), onClose func(error)) error {
	if f.startErr != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, f.startErr)
	}
	f.mu.Lock()
	f.onMessage = onMessage
	f.onClose = onClose
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.written = append(f.written, m)
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		h(f, m)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.exit(nil)
	return nil
}

func (f *fakeTransport) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.exit(errors.New("signal: killed"))
	return nil
}

// exit simulates the process ending. Only the first call reports.
func (f *fakeTransport) exit(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	onClose := f.onClose
	f.mu.Unlock()

	if onClose != nil {
		onClose(err)
	}
}

// send delivers one raw line as if the server wrote it.
func (f *fakeTransport) send(line string) {
	msg, err := parseMessage([]byte(line))
	if err != nil {
		return
	}
	f.mu.Lock()
	onMessage := f.onMessage
	f.mu.Unlock()
	if onMessage != nil {
		onMessage(msg)
	}
}

func (f *fakeTransport) reply(m wireMsg, result string) {
	id, _ := m.id()
	f.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

func (f *fakeTransport) replyError(m wireMsg, code int, message string) {
	id, _ := m.id()
	f.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message))
}

func (f *fakeTransport) messages() []wireMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wireMsg, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// toolServer is a scripted well-behaved server. Methods in hang get no
// answer at all.
type toolServer struct {
	tools []string
	hang  map[string]bool
	calls atomic.Int32
}

func (s *toolServer) handle(f *fakeTransport, m wireMsg) {
	if _, ok := m.id(); !ok {
		return
	}
	method := m.method()
	if s.hang[method] {
		return
	}
	switch method {
	case "initialize":
		f.reply(m, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1.0"}}`)
	case "ping":
		f.reply(m, `{}`)
	case "tools/list":
		list := make([]ToolDefinition, 0, len(s.tools))
		for _, name := range s.tools {
			list = append(list, ToolDefinition{Name: name, Description: name + " tool", InputSchema: json.RawMessage(`{"type":"object"}`)})
		}
		data, _ := json.Marshal(map[string]any{"tools": list})
		f.reply(m, string(data))
	case "tools/call":
		s.calls.Add(1)
		params, _ := m["params"].(map[string]any)
		name, _ := params["name"].(string)
		if s.hang["tools/call:"+name] {
			return
		}
		if name == "fail" {
			f.reply(m, `{"content":[{"type":"text","text":"bad input"}],"isError":true}`)
			return
		}
		args, _ := json.Marshal(params["arguments"])
		text, _ := json.Marshal(name + ":" + string(args))
		f.reply(m, fmt.Sprintf(`{"content":[{"type":"text","text":%s}]}`, text))
	default:
		f.replyError(m, -32601, "method not found")
	}
}

func newFakeServer(tools ...string) (*toolServer, *fakeTransport) {
	s := &toolServer{tools: tools, hang: map[string]bool{}}
	return s, &fakeTransport{handler: s.handle}
}

// stateRecorder collects transitions reported through OnState.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ *Conn, _, to State, _ error) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func testConnOptions() ConnOptions {
	return ConnOptions{
		ClientName:       "npbot-test",
		ClientVersion:    "0.0.1",
		ConnectTimeout:   time.Second,
		DiscoveryTimeout: time.Second,
		CallTimeout:      time.Second,
	}
}

// eventually polls cond for up to a second.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
