package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDoRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" || string(body) != "a=b" {
			t.Errorf("unexpected request %q %q", r.Header.Get("Content-Type"), body)
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	status, body, err := Do(context.Background(), srv.Client(), Call{
		Method:      http.MethodPost,
		URL:         srv.URL,
		Body:        []byte("a=b"),
		ContentType: "application/x-www-form-urlencoded",
		Retries:     1,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"success":true}` || attempts != 2 {
		t.Fatalf("unexpected result status=%d body=%s attempts=%d", status, body, attempts)
	}
}

func TestDoNoRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, _, err := Do(context.Background(), srv.Client(), Call{Method: http.MethodGet, URL: srv.URL, Retries: 3})
	if err != nil || status != http.StatusBadRequest || attempts != 1 {
		t.Fatalf("unexpected result status=%d err=%v attempts=%d", status, err, attempts)
	}
}

func TestDoLastAttempt5xxReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	status, _, err := Do(context.Background(), srv.Client(), Call{Method: http.MethodGet, URL: srv.URL})
	if err != nil || status != http.StatusBadGateway {
		t.Fatalf("expected final 502 without error, got %d %v", status, err)
	}
}

func TestDoTransportError(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, io.ErrUnexpectedEOF
	})}
	_, _, err := Do(context.Background(), client, Call{Method: http.MethodGet, URL: "http://verify.invalid", Retries: 1})
	if err == nil || !strings.Contains(err.Error(), "verify.invalid") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestDoStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls++
		cancel()
		return nil, io.ErrUnexpectedEOF
	})}
	_, _, err := Do(ctx, client, Call{Method: http.MethodGet, URL: "http://verify.invalid", Retries: 5, RetryDelay: time.Second})
	if err == nil || calls != 1 {
		t.Fatalf("expected cancellation after one call, calls=%d err=%v", calls, err)
	}
}

func TestDoCapsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()
	_, body, err := Do(context.Background(), srv.Client(), Call{Method: http.MethodGet, URL: srv.URL, MaxResponseBytes: 10})
	if err != nil || len(body) != 10 {
		t.Fatalf("expected 10 byte body, got %d err=%v", len(body), err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
