package compute

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harborpanel/bursar/pkg/logging"
)

func TestDeleteServer_MissingServerIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Logger: logging.NewLogger()})
	if err := client.DeleteServer(t.Context(), "srv-1"); err != nil {
		t.Fatalf("already-deleted server must not error: %v", err)
	}
}

func TestGetPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/plans/plan-m" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Plan{ID: "plan-m", Name: "Medium", MonthlyPriceCents: 2999})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Logger: logging.NewLogger()})
	plan, err := client.GetPlan(t.Context(), "plan-m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.MonthlyPriceCents != 2999 {
		t.Fatalf("expected 2999, got %d", plan.MonthlyPriceCents)
	}
}

func TestListServers_PropagatesServiceToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode([]Server{{ID: "srv-1", OwnerID: "u-1"}})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, ServiceToken: "svc-token", Logger: logging.NewLogger()})
	servers, err := client.ListServers(t.Context(), "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "srv-1" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}
