package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/smartpantry/internal/app"
	"github.com/ayusman/smartpantry/internal/config"
	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/replay"
	"github.com/ayusman/smartpantry/internal/server"
	"github.com/ayusman/smartpantry/internal/store"
	"github.com/ayusman/smartpantry/testdata"
)

// stack is a replay-driven application behind a test HTTP server.
type stack struct {
	store  *store.Store
	app    *app.App
	events *server.EventHub
	ts     *httptest.Server
}

func newStack(t *testing.T, dbPath, scenario, session string) *stack {
	t.Helper()

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	a, err := app.New(context.Background(), app.Config{
		Settings:   config.Default(),
		Store:      s,
		Source:     replay.NewSource(testdata.ScenarioReader(scenario), nil),
		SourceName: "replay",
		SessionID:  session,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}

	events := server.NewEventHub(a.Ledger().Snapshot, nil)
	a.Ledger().OnCommit(events.Publish)

	ts := httptest.NewServer(server.New(server.Config{
		Store:  s,
		Ledger: a.Ledger(),
		Events: events,
		Stats:  func() any { return a.Stats() },
	}))
	t.Cleanup(ts.Close)

	return &stack{store: s, app: a, events: events, ts: ts}
}

func (st *stack) replay(t *testing.T) {
	t.Helper()
	st.app.Start(context.Background())
	select {
	case <-st.app.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("replay did not finish")
	}
	if err := st.app.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func (st *stack) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := st.ts.Client().Get(st.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s decode error = %v", path, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) server.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev server.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

type inventoryResponse struct {
	Items []ledger.Entry `json:"items"`
	Total int            `json:"total"`
}

type transactionsResponse struct {
	Transactions []store.Transaction `json:"transactions"`
}

func TestE2E_ReplayToAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	st := newStack(t, filepath.Join(t.TempDir(), "data.db"), testdata.Kitchen, "kitchen")

	url := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Type != server.EventSnapshot || len(ev.Items) != 0 {
		t.Fatalf("first event = %+v, want empty snapshot", ev)
	}

	st.replay(t)

	t.Run("EventsInOrder", func(t *testing.T) {
		want := []struct {
			identity string
			delta    int
		}{
			{"apple", 1}, {"milk", 1}, {"milk", -1}, {"bread", 1},
		}
		for i, w := range want {
			ev := readEvent(t, conn)
			if ev.Type != server.EventTransaction || ev.Transaction == nil {
				t.Fatalf("event %d = %+v, want a transaction", i, ev)
			}
			if ev.Transaction.Identity != w.identity || ev.Transaction.Delta != w.delta {
				t.Errorf("event %d = %s %+d, want %s %+d", i,
					ev.Transaction.Identity, ev.Transaction.Delta, w.identity, w.delta)
			}
		}
	})

	t.Run("Inventory", func(t *testing.T) {
		var inv inventoryResponse
		st.getJSON(t, "/api/inventory", &inv)
		if inv.Total != 2 {
			t.Errorf("total = %d, want 2", inv.Total)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		var list transactionsResponse
		st.getJSON(t, "/api/transactions?identity=milk", &list)
		if len(list.Transactions) != 2 {
			t.Fatalf("got %d milk transactions, want 2", len(list.Transactions))
		}
		if list.Transactions[0].FromRegion != "LEFT" || list.Transactions[0].ToRegion != "RIGHT" {
			t.Errorf("first milk transaction = %+v", list.Transactions[0])
		}
	})

	t.Run("Compensation", func(t *testing.T) {
		resp, err := st.ts.Client().Post(st.ts.URL+"/api/compensations", "application/json",
			strings.NewReader(`{"identity": "bread", "delta": -1, "note": "eaten"}`))
		if err != nil {
			t.Fatalf("POST error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}

		ev := readEvent(t, conn)
		if ev.Entry == nil || ev.Entry.Identity != "bread" || ev.Entry.InInventory {
			t.Errorf("compensation event = %+v", ev)
		}

		var inv inventoryResponse
		st.getJSON(t, "/api/inventory", &inv)
		if inv.Total != 1 {
			t.Errorf("total = %d, want 1", inv.Total)
		}
	})

	t.Run("HealthStillWorks", func(t *testing.T) {
		resp, err := st.ts.Client().Get(st.ts.URL + "/api/health")
		if err != nil {
			t.Fatalf("health error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("health check failed after replay")
		}
	})
}

func TestE2E_RestartRestoresInventory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	dbPath := filepath.Join(t.TempDir(), "data.db")
	first := newStack(t, dbPath, testdata.FirstSighting, "monday")
	first.replay(t)
	first.ts.Close()
	first.store.Close()

	second := newStack(t, dbPath, testdata.SameRegion, "tuesday")

	var entry ledger.Entry
	second.getJSON(t, "/api/inventory/apple", &entry)
	if entry.Count != 1 || !entry.InInventory {
		t.Errorf("restored apple = %+v, want count 1", entry)
	}

	var sessions struct {
		Sessions []store.Session `json:"sessions"`
	}
	second.getJSON(t, "/api/sessions", &sessions)
	if len(sessions.Sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions.Sessions))
	}
	if err := second.app.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
