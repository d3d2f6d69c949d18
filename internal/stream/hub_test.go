package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
)

var testMetrics = metrics.New()

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) feedFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f feedFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func event(id, tag string) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		EventID:   id,
		BagTag:    tag,
		EventType: model.EventSortation,
		Location:  "LHR-SORTATION-3",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub(testMetrics, zaptest.NewLogger(t))
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	hub.Broadcast(event("ev-1", "0012345678"))

	f := readFrame(t, conn)
	assert.Equal(t, "ev-1", f.EventID)
	assert.Equal(t, "0012345678", f.BagTag)
	assert.Equal(t, model.EventSortation, f.EventType)
}

func TestHub_BagTagFilter(t *testing.T) {
	hub := NewHub(testMetrics, zaptest.NewLogger(t))
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?bag_tag=0012345678")
	waitForClients(t, hub, 1)

	hub.Broadcast(event("ev-other", "0099999999"))
	hub.Broadcast(event("ev-mine", "0012345678"))

	f := readFrame(t, conn)
	assert.Equal(t, "ev-mine", f.EventID, "filtered client sees only its bag")
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(testMetrics, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "closed hub ends the connection")
	waitForClients(t, hub, 0)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		have := len(hub.clients)
		hub.mu.Unlock()
		if have == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d", n)
}
