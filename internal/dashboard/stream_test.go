package dashboard

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spreadmatrix/config"
)

func readSnapshot(t *testing.T, conn *websocket.Conn) snapshotPayload {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return payload
}

func TestStreamPushesSnapshotsOnRefresh(t *testing.T) {
	table, src := newFixtureTableWithSource(t, fixtureRows(), config.CacheConfig{})
	_, router := newTestServer(t, table)

	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws/matrix?asset=btc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readSnapshot(t, conn)
	if first.Status != statusOK || first.Asset != "BTC" || len(first.Exchanges) != 2 {
		t.Fatalf("unexpected initial frame: %+v", first)
	}

	rows := fixtureRows()
	// Drop the 17:01 quotes so the latest instant moves back to 17:00.
	src.set(append(rows[:5:5], rows[7]), nil)
	if err := table.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	second := readSnapshot(t, conn)
	if second.Status != statusOK || len(second.Exchanges) != 3 {
		t.Fatalf("expected the 17:00 snapshot after refresh, got %+v", second)
	}

	if err := conn.WriteJSON(streamCommand{Asset: "ETH"}); err != nil {
		t.Fatalf("switch asset: %v", err)
	}
	third := readSnapshot(t, conn)
	if third.Asset != "ETH" {
		t.Fatalf("expected ETH frame, got %+v", third)
	}
}
