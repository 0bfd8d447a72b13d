package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blocksurance-dao/blocksurance-protocol/internal/api"
	"github.com/blocksurance-dao/blocksurance-protocol/internal/events"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *api.WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return evt
}

func TestWSHub_BroadcastsLedgerEvents(t *testing.T) {
	hub := api.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	e := newTestEnv(t, hub, hub, "")
	pool := e.seedPool(t)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	all := dialWS(t, srv, "")
	scoped := dialWS(t, srv, "?pool_id="+pool.ID)
	other := dialWS(t, srv, "?pool_id=other")
	waitForClients(t, hub, 3)

	w := e.do(t, "POST", "/api/v1/pools/"+pool.ID+"/pause", admin, nil)
	expectStatus(t, w, http.StatusOK)

	for _, conn := range []*websocket.Conn{all, scoped} {
		evt := readEvent(t, conn)
		if evt.Type != events.PoolPaused || evt.PoolID != pool.ID {
			t.Errorf("event = %+v", evt)
		}
	}

	// The filtered client sees nothing.
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, msg, err := other.ReadMessage(); err == nil {
		t.Errorf("unexpected message for other pool: %s", msg)
	}
}

func TestWSHub_ClosesClientsOnShutdown(t *testing.T) {
	hub := api.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	e := newTestEnv(t, hub, hub, "")
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	cancel()
	<-done
	if hub.ClientCount() != 0 {
		t.Errorf("clients after shutdown = %d", hub.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close")
	}

	// Publishing after shutdown never blocks.
	if err := hub.Publish(context.Background(), events.Event{Type: events.PoolPaused}); err != nil {
		t.Errorf("publish: %v", err)
	}
}
