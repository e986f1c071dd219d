package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	name string
	fail bool
	boom bool

	mu     sync.Mutex
	alerts []Alert
}

func (h *captureHandler) Name() string { return h.name }

func (h *captureHandler) Notify(_ context.Context, a Alert) error {
	if h.boom {
		panic("handler bug")
	}
	if h.fail {
		return errors.New("notification rejected")
	}
	h.mu.Lock()
	h.alerts = append(h.alerts, a)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) received() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Alert, len(h.alerts))
	copy(out, h.alerts)
	return out
}

func TestSendFansOutToAllHandlers(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())
	first := &captureHandler{name: "first"}
	second := &captureHandler{name: "second"}
	m.AddHandler(first)
	m.AddHandler(second)

	m.Critical(context.Background(), "Queue down", "redis unreachable", map[string]interface{}{"host": "redis:6379"})

	require.Len(t, first.received(), 1)
	require.Len(t, second.received(), 1)
	a := first.received()[0]
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, "critical", a.Level)
	assert.Equal(t, "Queue down", a.Title)
	assert.NotEmpty(t, a.ID)
	assert.WithinDuration(t, time.Now(), a.Timestamp, time.Second)
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())
	bad := &captureHandler{name: "bad", fail: true}
	panicky := &captureHandler{name: "panicky", boom: true}
	good := &captureHandler{name: "good"}
	m.AddHandler(bad)
	m.AddHandler(panicky)
	m.AddHandler(good)

	assert.NotPanics(t, func() {
		m.Warning(context.Background(), "Breaker half-open", "probing downstream", nil)
	})
	assert.Len(t, good.received(), 1)
}

func TestSeverityStrings(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "critical", SeverityCritical.String())
}

func TestStreamHubBroadcastsAlerts(t *testing.T) {
	hub := NewStreamHub(hclog.NewNullLogger())
	hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Alert{
		ID:    "a-1",
		Level: "critical",
		Title: "Job dead-lettered",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Alert
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "a-1", got.ID)
	assert.Equal(t, "Job dead-lettered", got.Title)
}

func TestStreamHubDropsDisconnectedClients(t *testing.T) {
	hub := NewStreamHub(hclog.NewNullLogger())
	hub.Start()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManagerFeedsStreamHub(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())
	hub := NewStreamHub(hclog.NewNullLogger())
	hub.Start()
	defer hub.Stop()
	m.AddHandler(hub)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	m.Info(context.Background(), "Scheduler started", "all components up", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Alert
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "Scheduler started", got.Title)
	assert.Equal(t, "info", got.Level)
}

var _ http.Handler = (*StreamHub)(nil)
