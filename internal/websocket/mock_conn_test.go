package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// mockConn is an in-memory Conn. Frames pushed with deliver are returned by
// ReadMessage; everything written is recorded.
type mockConn struct {
	mu          sync.Mutex
	messages    [][]byte
	closeFrames []int
	readErr     error

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.incoming:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.readErr != nil {
			return 0, nil, m.readErr
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.CloseMessage {
		m.closeFrames = append(m.closeFrames, int(binary.BigEndian.Uint16(data)))
		return nil
	}
	m.messages = append(m.messages, data)
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// deliver queues an inbound frame
func (m *mockConn) deliver(data string) {
	m.incoming <- []byte(data)
}

// serverClose simulates the server closing with the given code
func (m *mockConn) serverClose(code int) {
	m.mu.Lock()
	m.readErr = &websocket.CloseError{Code: code}
	m.mu.Unlock()
	m.Close()
}

func (m *mockConn) getMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.messages))
	copy(result, m.messages)
	return result
}

func (m *mockConn) getCloseFrames() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.closeFrames...)
}

// framesOfType decodes written frames and keeps those of type t
func (m *mockConn) framesOfType(t FrameType) []Frame {
	var out []Frame
	for _, data := range m.getMessages() {
		var f Frame
		if err := json.Unmarshal(data, &f); err == nil && f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out mockConns and records the URLs dialed
type fakeDialer struct {
	mu    sync.Mutex
	conns []*mockConn
	urls  []string
	fail  error
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}

	conn := newMockConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) lastConn() *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testOptions() Options {
	return Options{
		BaseURL:              "ws://listen.test",
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 5,
		WriteWait:            time.Second,
	}
}

// createTestManager builds a Manager on a mock clock and fake dialer
func createTestManager(t *testing.T) (*Manager, *fakeDialer, *clock.Mock) {
	t.Helper()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	m := NewManager(testOptions(), "client-1", WithDialer(dialer), WithClock(mock))
	t.Cleanup(m.Close)
	return m, dialer, mock
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
