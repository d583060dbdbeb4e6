package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestParse_AckThenResponse(t *testing.T) {
	pr, pw := io.Pipe()
	acked := make(chan string, 1)
	done := make(chan struct{})

	var result Result
	var parseErr error
	go func() {
		defer close(done)
		result, parseErr = Parse(context.Background(), "application/x-ndjson", pr, func(ctx context.Context, text string) error {
			acked <- text
			return nil
		})
	}()

	if _, err := io.WriteString(pw, `{"type":"ack","text":"One sec."}`+"\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// The ack must arrive while the body is still open.
	select {
	case text := <-acked:
		if text != "One sec." {
			t.Errorf("unexpected ack text: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("ack was not forwarded before the stream completed")
	}
	select {
	case <-done:
		t.Fatal("parser returned before the stream ended")
	default:
	}

	io.WriteString(pw, `{"type":"response","response":"Done.","response_id":"r1"}`+"\n")
	pw.Close()
	<-done

	if parseErr != nil {
		t.Fatalf("Parse failed: %v", parseErr)
	}
	if result.Text != "Done." || result.ReplyID != "r1" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestParse_LastResponseWins(t *testing.T) {
	body := strings.Join([]string{
		`{"type":"response","response":"first","response_id":"a"}`,
		``,
		`not json`,
		`{"type":"error","error":"tool failed"}`,
		`{"type":"mystery"}`,
		`{"type":"response","response":"second","response_id":"b"}`,
		``,
	}, "\n")
	res, err := Parse(context.Background(), "application/x-ndjson; charset=utf-8", strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "second" || res.ReplyID != "b" {
		t.Errorf("expected last response to win, got %+v", res)
	}
}

func TestParse_TrailingPartialLineDiscarded(t *testing.T) {
	body := `{"type":"response","response":"kept"}` + "\n" + `{"type":"response","response":"partial"}`
	res, err := Parse(context.Background(), "application/x-ndjson", strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "kept" {
		t.Errorf("expected partial trailing line to be discarded, got %q", res.Text)
	}
}

func TestParse_AckErrorDoesNotAbort(t *testing.T) {
	body := `{"type":"ack","text":"hold on"}` + "\n" + `{"type":"ack","text":""}` + "\n" + `{"type":"response","response":"ok"}` + "\n"
	calls := 0
	res, err := Parse(context.Background(), "application/x-ndjson", strings.NewReader(body), func(ctx context.Context, text string) error {
		calls++
		return errors.New("send failed")
	})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly one ack callback, got %d", calls)
	}
	if res.Text != "ok" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestParse_NoResponseEvent(t *testing.T) {
	body := `{"type":"ack","text":"thinking"}` + "\n"
	res, err := Parse(context.Background(), "application/x-ndjson", strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "" || res.ReplyID != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestParse_SingleObject(t *testing.T) {
	res, err := Parse(context.Background(), "application/json", strings.NewReader(`{"response":"hello","response_id":"x9"}`), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "hello" || res.ReplyID != "x9" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestParse_SingleObjectMalformed(t *testing.T) {
	_, err := Parse(context.Background(), "", strings.NewReader("<html>bad gateway</html>"), nil)
	if !errors.Is(err, ErrMalformedBody) {
		t.Errorf("expected ErrMalformedBody, got %v", err)
	}
}

func TestCheckStatus(t *testing.T) {
	ok := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}
	if err := CheckStatus(ok); err != nil {
		t.Errorf("expected nil for 200, got %v", err)
	}

	long := strings.Repeat("e", 1000)
	bad := &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(long))}
	err := CheckStatus(bad)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.Code != http.StatusBadGateway {
		t.Errorf("expected code 502, got %d", se.Code)
	}
	if len(se.Body) != maxErrorBody {
		t.Errorf("expected body truncated to %d, got %d", maxErrorBody, len(se.Body))
	}
}

func TestParse_NonStringFieldsKeepResponse(t *testing.T) {
	body := `{"type":"error","error":{"code":500,"message":"tool failed"}}` + "\n" +
		`{"type":"response","response":"Done.","response_id":12345}` + "\n"
	res, err := Parse(context.Background(), "application/x-ndjson", strings.NewReader(body), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "Done." || res.ReplyID != "12345" {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = Parse(context.Background(), "application/json", strings.NewReader(`{"response":"hi","response_id":7}`), nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Text != "hi" || res.ReplyID != "7" {
		t.Errorf("unexpected single-object result: %+v", res)
	}
}

func TestOpaque_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"r1"`, "r1"},
		{`42`, "42"},
		{`null`, ""},
		{`true`, "true"},
		{`{ "a": 1 }`, `{"a":1}`},
	}
	for _, tt := range tests {
		var o Opaque
		if err := json.Unmarshal([]byte(tt.in), &o); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.in, err)
		}
		if string(o) != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, o, tt.want)
		}
	}
}
