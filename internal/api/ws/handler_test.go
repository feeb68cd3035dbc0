package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nymai/scand/internal/infrastructure/config"
	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/scan"
	"github.com/nymai/scand/internal/scan/keepalive"
	"github.com/nymai/scand/internal/session"
	"github.com/nymai/scand/internal/shared/types"
	"github.com/nymai/scand/internal/store"
)

func newSocket(t *testing.T) (*websocket.Conn, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir(), logging.NewNop())
	require.NoError(t, err)

	log := logging.NewNop()
	metrics := monitoring.NewMetrics()
	gate := session.New(st, nil, nil, log)
	keeper := keepalive.New(st, log, time.Second, nil)
	coordinator := scan.New(st, gate, failingExecutor{}, keeper, config.ScanConfig{
		Timeout:      time.Second,
		MediaTimeout: time.Second,
		RateWindow:   time.Millisecond,
		MaxTextLen:   100,
		CancelGrace:  50 * time.Millisecond,
		StaleAfter:   time.Minute,
		HistoryLimit: 10,
	}, metrics, log)

	router := gin.New()
	router.GET("/stream", NewHandler(st, coordinator, metrics, log).HandleConnection)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, st
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, req types.ScanRequest, sess *types.Session) (types.Outcome, error) {
	return types.Failure("unexpected error", types.CodeInternal), nil
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSnapshotOnConnect(t *testing.T) {
	conn, _ := newSocket(t)

	msg := readMessage(t, conn)
	assert.Equal(t, "snapshot", msg.Type)
}

func TestStoreChangesAreStreamed(t *testing.T) {
	conn, st := newSocket(t)
	readMessage(t, conn) // snapshot

	require.NoError(t, st.SetRaw(store.KeyLastScanResult, json.RawMessage(`{"verdict":"x"}`)))

	msg := readMessage(t, conn)
	assert.Equal(t, "change", msg.Type)
	assert.Equal(t, store.KeyLastScanResult, msg.Key)
	require.NotNil(t, msg.Change)
	assert.JSONEq(t, `{"verdict":"x"}`, string(msg.Change.New))
}

func TestPingPong(t *testing.T) {
	conn, _ := newSocket(t)
	readMessage(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestUnknownMessageType(t *testing.T) {
	conn, _ := newSocket(t)
	readMessage(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestScanRejectionIsReported(t *testing.T) {
	conn, _ := newSocket(t)
	readMessage(t, conn) // snapshot

	// No session in the store, so the submission is rejected.
	require.NoError(t, conn.WriteJSON(Message{
		Type:    "scan",
		Request: &types.RawScanRequest{ContentType: types.ContentText, ContentData: "x"},
	}))

	// The rejection also lands in the store, which produces a change
	// message; tolerate either ordering.
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		if msg.Type == "rejected" {
			assert.Contains(t, msg.Error, "session")
			return
		}
	}
	t.Fatal("no rejection message received")
}
