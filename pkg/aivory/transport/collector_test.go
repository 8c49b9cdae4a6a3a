package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

const waitTimeout = 5 * time.Second

// frame is one message received by the fake collector, normalized to JSON.
type frame struct {
	conn int
	raw  []byte
}

func (f frame) get(path string) gjson.Result {
	return gjson.GetBytes(f.raw, path)
}

// fakeCollector is a websocket endpoint that records every inbound message.
type fakeCollector struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	// reject is the number of upgrade requests still to be refused.
	reject atomic.Int32

	// onRegister runs on the server connection after a register message.
	onRegister func(n int, conn *websocket.Conn)

	connections atomic.Int32
	frames      chan frame

	mu         sync.Mutex
	all        []frame
	closeCodes []int
}

func newFakeCollector(t *testing.T) *fakeCollector {
	t.Helper()
	c := &fakeCollector{
		t:      t,
		frames: make(chan frame, 1024),
	}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.server.Close)
	return c
}

func (c *fakeCollector) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http") + "/ws/agent"
}

func (c *fakeCollector) handle(w http.ResponseWriter, r *http.Request) {
	if c.reject.Add(-1) >= 0 {
		http.Error(w, "collector unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := int(c.connections.Add(1))

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				c.mu.Lock()
				c.closeCodes = append(c.closeCodes, ce.Code)
				c.mu.Unlock()
			}
			return
		}
		if frameType == websocket.BinaryMessage {
			data = msgpackToJSON(c.t, data)
		}
		f := frame{conn: n, raw: data}
		c.mu.Lock()
		c.all = append(c.all, f)
		c.mu.Unlock()
		c.frames <- f

		if f.get("type").String() == TypeRegister && c.onRegister != nil {
			c.onRegister(n, conn)
		}
	}
}

// next returns the next received message of msgType, skipping others.
func (c *fakeCollector) next(msgType string) frame {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-c.frames:
			if f.get("type").String() == msgType {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q message", msgType)
			return frame{}
		}
	}
}

func (c *fakeCollector) received() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.all...)
}

func (c *fakeCollector) codes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

func msgpackToJSON(t *testing.T, data []byte) []byte {
	t.Helper()
	var v map[string]any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		t.Errorf("collector: decode msgpack: %v", err)
		return nil
	}
	out, err := JSONCodec{}.Encode(Envelope{Type: v["type"].(string), Payload: v["payload"], Timestamp: toInt64(v["timestamp"])})
	if err != nil {
		t.Errorf("collector: re-encode: %v", err)
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}

func testConfig(url string) aivory.Config {
	return aivory.Config{
		APIKey:       "test-key",
		BackendURL:   url,
		Environment:  "test",
		SamplingRate: 1.0,
		Hostname:     "test-host",
		AgentID:      "agent-test",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a goroutine-safe log destination.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestTransport(t *testing.T, url string, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithTimeUnit(time.Millisecond)}, opts...)
	tr, err := New(testConfig(url), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitForState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.State() == want
	}, waitTimeout, time.Millisecond, "state never became %s", want)
}
