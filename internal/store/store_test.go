package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/lib/pq"
)

func newTestRESTStore(t *testing.T, handler http.HandlerFunc) *RESTStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	s, err := NewRESTStore(WithRESTEndpoint(server.URL+"/", "service-key"))
	if err != nil {
		t.Fatalf("NewRESTStore failed: %v", err)
	}
	return s
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"":                                    "rest",
		"postgres://u:p@localhost:5432/db":    "postgres",
		"postgresql://localhost/db":           "postgres",
		"host=localhost dbname=bridge":        "postgres",
		"https://project.example.supabase.co": "rest",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewRESTStore_RequiresEndpoint(t *testing.T) {
	if _, err := NewRESTStore(); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewRESTStore(WithRESTEndpoint("https://x.test", "")); err == nil {
		t.Error("expected error without key")
	}
}

func TestRESTStore_GetUserByPhone(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/imessage_users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "service-key" || r.Header.Get("Authorization") != "Bearer service-key" {
			t.Error("missing auth headers")
		}
		if got := r.URL.Query().Get("phone_number"); got != "eq.+15551234" {
			t.Errorf("phone filter not encoded correctly: %q", got)
		}
		io.WriteString(w, `[{"id":"row1","phone_number":"+15551234","user_id":"u1","status":"active","display_name":"Sam",
			"onboard_messages":[{"role":"user","content":"hi"}],"onboard_count":2,"pdl_profile":{"full_name":"Sam Lee","inferred_years_experience":7}}]`)
	})

	u, err := s.GetUserByPhone(context.Background(), "+15551234")
	if err != nil {
		t.Fatalf("GetUserByPhone failed: %v", err)
	}
	if u.UserID != "u1" || u.Status != models.StatusActive || u.DisplayName != "Sam" {
		t.Errorf("unexpected user: %+v", u)
	}
	if len(u.OnboardMessages) != 1 || u.OnboardCount != 2 {
		t.Errorf("onboarding fields not decoded: %+v", u)
	}
	if u.Profile == nil || u.Profile.FullName != "Sam Lee" || u.Profile.InferredYearsExperience == nil || *u.Profile.InferredYearsExperience != 7 {
		t.Errorf("profile not decoded: %+v", u.Profile)
	}
}

func TestRESTStore_GetUserByPhone_NotFound(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	})
	_, err := s.GetUserByPhone(context.Background(), "+1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRESTStore_GetUserByPhone_ServerError(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := s.GetUserByPhone(context.Background(), "+1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a non-NotFound error, got %v", err)
	}
}

func TestRESTStore_CreatePendingUser(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Error("missing Prefer header")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone_number"] != "+1555" || body["status"] != "pending" {
			t.Errorf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `[{"id":"r1","phone_number":"+1555","status":"pending","onboarding_token":"tok123"}]`)
	})
	u, err := s.CreatePendingUser(context.Background(), "+1555")
	if err != nil {
		t.Fatalf("CreatePendingUser failed: %v", err)
	}
	if u.OnboardingToken != "tok123" || u.Status != models.StatusPending {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestRESTStore_CreatePendingUser_Conflict(t *testing.T) {
	responses := []struct {
		code int
		body string
	}{
		{http.StatusConflict, `{"code":"23505"}`},
		{http.StatusBadRequest, `{"message":"duplicate key value violates unique constraint"}`},
	}
	for _, resp := range responses {
		s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(resp.code)
			io.WriteString(w, resp.body)
		})
		_, err := s.CreatePendingUser(context.Background(), "+1")
		if !errors.Is(err, ErrConflict) {
			t.Errorf("status %d: expected ErrConflict, got %v", resp.code, err)
		}
	}
}

func TestRESTStore_OutboundLifecycle(t *testing.T) {
	var patches []map[string]string
	var patchIDs []string
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/outbound_imessages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			if q.Get("status") != "eq.pending" || q.Get("order") != "created_at.asc" || q.Get("limit") != "10" {
				t.Errorf("unexpected query: %v", q)
			}
			io.WriteString(w, `[{"id":"o1","phone_number":"+1","content":"Welcome"},{"id":"o2","phone_number":"+2","content":"Hi"}]`)
		case http.MethodPatch:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			patches = append(patches, body)
			patchIDs = append(patchIDs, r.URL.Query().Get("id"))
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	ctx := context.Background()
	msgs, err := s.ListPendingOutbound(ctx, 10)
	if err != nil {
		t.Fatalf("ListPendingOutbound failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "o1" || msgs[1].Content != "Hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	sentAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.MarkOutboundSent(ctx, "o1", sentAt); err != nil {
		t.Fatalf("MarkOutboundSent failed: %v", err)
	}
	if err := s.MarkOutboundFailed(ctx, "o2"); err != nil {
		t.Fatalf("MarkOutboundFailed failed: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(patches))
	}
	if patchIDs[0] != "eq.o1" || patches[0]["status"] != "sent" || patches[0]["sent_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected sent patch: %s %v", patchIDs[0], patches[0])
	}
	if patchIDs[1] != "eq.o2" || patches[1]["status"] != "failed" {
		t.Errorf("unexpected failed patch: %s %v", patchIDs[1], patches[1])
	}
	if _, ok := patches[1]["sent_at"]; ok {
		t.Error("failed patch must not set sent_at")
	}
}

func TestRESTStore_ListAssistantMessages(t *testing.T) {
	s := newTestRESTStore(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("user_id") != "eq.u1" || q.Get("role") != "in.(assistant,system)" || q.Get("order") != "created_at.desc" {
			t.Errorf("unexpected query: %v", q)
		}
		fmt.Fprintf(w, `[{"id":"m2","role":"assistant","content":"newer"},{"id":"m1","role":"system","content":"older"}]`)
	})
	msgs, err := s.ListAssistantMessages(context.Background(), "u1", 50)
	if err != nil {
		t.Fatalf("ListAssistantMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pq.Error{Code: "42P01"}) {
		t.Error("undefined_table is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Error("plain errors are not unique violations")
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()

	ctx := context.Background()
	phone := fmt.Sprintf("+1999%d", time.Now().UnixNano()%1_000_000_000)
	t.Cleanup(func() {
		pgStore.db.Exec(`DELETE FROM imessage_users WHERE phone_number = $1`, phone)
	})

	if _, err := pgStore.GetUserByPhone(ctx, phone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}
	created, err := pgStore.CreatePendingUser(ctx, phone)
	if err != nil {
		t.Fatalf("CreatePendingUser failed: %v", err)
	}
	if created.Status != models.StatusPending || created.OnboardingToken == "" {
		t.Errorf("unexpected created user: %+v", created)
	}
	if _, err := pgStore.CreatePendingUser(ctx, phone); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate insert, got %v", err)
	}
	got, err := pgStore.GetUserByPhone(ctx, phone)
	if err != nil {
		t.Fatalf("GetUserByPhone failed: %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("expected id %s, got %s", created.ID, got.ID)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
