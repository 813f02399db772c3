package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestVerifyEncodesQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/verify" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("agent") != "alice" || q.Get("system") != "snake" || q.Get("step") != "4" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"report": map[string]any{"agent": "alice", "status": "mismatch", "mismatch": true},
		})
	})

	step := uint64(4)
	report, err := client.Verify(context.Background(), VerifyRequest{Agent: "alice", System: "snake", Step: &step})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Status != "mismatch" || report.Mismatch == nil || !*report.Mismatch {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestHistoryAndListings(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/history":
			if r.URL.Query().Get("limit") != "2" {
				t.Errorf("unexpected limit: %s", r.URL.RawQuery)
			}
			_, _ = fmt.Fprint(w, `{"ok":true,"items":[{"ts":1,"state":{}},{"ts":2,"state":{}}]}`)
		case "/api/traces":
			_, _ = fmt.Fprint(w, `{"ok":true,"tracesDir":"/t","files":[{"path":"/t/a.json","rel":"a.json","mtimeMs":5}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	items, err := client.History(context.Background(), 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 2 || items[1].TS != 2 {
		t.Fatalf("unexpected items: %+v", items)
	}
	listing, err := client.Traces(context.Background())
	if err != nil {
		t.Fatalf("traces: %v", err)
	}
	if listing.Dir != "/t" || len(listing.Files) != 1 || listing.Files[0].Rel != "a.json" {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprint(w, `{"ok":false,"error":"artifact not found","code":"NOT_FOUND"}`)
	})

	_, err := client.FraudProof(context.Background(), "bob")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" || apiErr.Message != "artifact not found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestSubscribeParsesEvents(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event: hello\ndata: {\"ok\":true}\n\n")
		_, _ = fmt.Fprint(w, "id: e1\nevent: state\ndata: {\"path\":\"/s/state.json\",\"ts\":42}\n\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []Event
	if err := client.Subscribe(ctx, func(ev Event) { got = append(got, ev) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 2 || got[0].Type != "hello" || got[1].Type != "state" || got[1].ID != "e1" {
		t.Fatalf("unexpected events: %+v", got)
	}
	path, ts, err := got[1].Change()
	if err != nil || path != "/s/state.json" || ts != 42 {
		t.Fatalf("unexpected change: %s %d %v", path, ts, err)
	}
}
