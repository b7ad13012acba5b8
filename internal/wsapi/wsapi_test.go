package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/connmgr"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, func()) {
	t.Helper()
	b := broker.New(zerolog.Nop(), 100)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	conns := connmgr.New(zerolog.Nop(), b, connmgr.DefaultConfig())
	conns.Start(ctx)

	srv := New(zerolog.Nop(), b, conns, nil, nil, Config{HistorySize: 10, HeartbeatPeriod: time.Hour}, nil)
	srv.Start(ctx)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWS))

	cleanup := func() {
		httpSrv.Close()
		srv.Stop()
		conns.Stop()
		b.Stop()
		cancel()
	}
	return srv, httpSrv, cleanup
}

func dial(t *testing.T, httpSrv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestConnectSendsWelcomeFrame(t *testing.T) {
	_, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, httpSrv, "")
	defer conn.Close()

	frame := readFrame(t, conn)
	require.Equal(t, "welcome", frame["type"])
	require.NotEmpty(t, frame["connection_id"])
}

func TestPingReceivesPong(t *testing.T) {
	_, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, httpSrv, "")
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	frame := readFrame(t, conn)
	require.Equal(t, "pong", frame["type"])
}

func TestEventForwardingRespectsDefaultSubscription(t *testing.T) {
	srv, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, httpSrv, "")
	defer conn.Close()
	readFrame(t, conn) // welcome

	_, err := srv.broker.Publish("fs.file_created", map[string]any{"path": "/a.txt"})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, "event", frame["type"])
	require.Equal(t, "fs.file_created", frame["event"])
}

func TestUnsubscribeStopsForwarding(t *testing.T) {
	srv, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, httpSrv, "")
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe", "topics": []string{"fs.*"}}))
	time.Sleep(50 * time.Millisecond)

	_, err := srv.broker.Publish("fs.file_created", map[string]any{"path": "/a.txt"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	require.Error(t, err) // no event should arrive
}

func TestUnknownFrameTypeGetsErrorReply(t *testing.T) {
	_, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn := dial(t, httpSrv, "")
	defer conn.Close()
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
}

func TestSessionReplayOnReconnect(t *testing.T) {
	srv, httpSrv, cleanup := newTestServer(t)
	defer cleanup()

	conn1 := dial(t, httpSrv, "session_id=sess-1")
	readFrame(t, conn1) // welcome

	_, err := srv.broker.Publish("hop.status_changed", map[string]any{"contextId": "remote-1"})
	require.NoError(t, err)
	readFrame(t, conn1) // event
	conn1.Close()

	time.Sleep(50 * time.Millisecond)

	conn2 := dial(t, httpSrv, "session_id=sess-1")
	defer conn2.Close()
	readFrame(t, conn2) // welcome
	replay := readFrame(t, conn2)
	require.Equal(t, "message_replay", replay["type"])
}
