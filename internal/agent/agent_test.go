package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/stream"
	"github.com/google/uuid"
)

func TestChat_StreamsAckAndResponse(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ChatPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		if _, err := uuid.Parse(r.Header.Get("X-Request-ID")); err != nil {
			t.Errorf("X-Request-ID is not a uuid: %q", r.Header.Get("X-Request-ID"))
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"type":"ack","text":"One sec."}`+"\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, `{"type":"response","response":"Done.","response_id":"r1"}`+"\n")
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	var acks []string
	res, err := client.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "hi"}, func(ctx context.Context, text string) error {
		acks = append(acks, text)
		return nil
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(acks) != 1 || acks[0] != "One sec." {
		t.Errorf("unexpected acks: %v", acks)
	}
	if res.Text != "Done." || res.ReplyID != "r1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotBody["user_id"] != "u1" || gotBody["message"] != "hi" {
		t.Errorf("unexpected request body: %v", gotBody)
	}
	if _, ok := gotBody["user_name"]; ok {
		t.Error("user_name should be omitted when empty")
	}
}

func TestChat_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k").Chat(context.Background(), ChatRequest{UserID: "u", Message: "m"}, nil)
	var se *stream.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusInternalServerError || !strings.Contains(se.Body, "upstream exploded") {
		t.Errorf("unexpected status error: %+v", se)
	}
}

func TestChat_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "k", WithChatTimeout(50*time.Millisecond))
	_, err := client.Chat(context.Background(), ChatRequest{UserID: "u", Message: "m"}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestChat_ParentCancelIsNotTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := NewClient(server.URL, "k").Chat(ctx, ChatRequest{UserID: "u", Message: "m"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestOnboard_SingleObject(t *testing.T) {
	var got OnboardRequest
	var rawHistory json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != OnboardPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got)
		var m map[string]json.RawMessage
		json.Unmarshal(data, &m)
		rawHistory = m["history"]
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response":"Welcome! Sign up here."}`)
	}))
	defer server.Close()

	res, err := NewClient(server.URL, "k").Onboard(context.Background(), OnboardRequest{
		Phone:        "+15550001",
		Message:      "hello",
		MessageCount: 1,
		OnboardURL:   "https://example.test/?token=abc",
	})
	if err != nil {
		t.Fatalf("Onboard failed: %v", err)
	}
	if res.Text != "Welcome! Sign up here." {
		t.Errorf("unexpected response: %q", res.Text)
	}
	if string(rawHistory) != "[]" {
		t.Errorf("history should be sent as an empty array, got %s", rawHistory)
	}
	if got.Phone != "+15550001" || got.MessageCount != 1 || got.PDLContext != "" {
		t.Errorf("unexpected onboarding body: %+v", got)
	}
}

func TestOnboard_PassesHistory(t *testing.T) {
	var got OnboardRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"response":"ok"}`)
	}))
	defer server.Close()

	history := []models.OnboardTurn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hey"}}
	_, err := NewClient(server.URL, "k").Onboard(context.Background(), OnboardRequest{
		Phone: "+1", Message: "again", History: history, MessageCount: 3, PDLContext: "Name: Sam",
	})
	if err != nil {
		t.Fatalf("Onboard failed: %v", err)
	}
	if len(got.History) != 2 || got.History[1].Content != "hey" {
		t.Errorf("history not forwarded: %+v", got.History)
	}
	if got.PDLContext != "Name: Sam" {
		t.Errorf("expected pdl_context, got %q", got.PDLContext)
	}
}

func TestOnboard_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "k").Onboard(context.Background(), OnboardRequest{Phone: "+1", Message: "m", MessageCount: 2})
	if !errors.Is(err, stream.ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
}
