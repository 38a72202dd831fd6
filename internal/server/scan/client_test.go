package scan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

func TestNewClient_RejectsBadURLs(t *testing.T) {
	tests := []string{
		"127.0.0.1:8601",        // no scheme
		"http://host/with/path", // path not allowed
		"://",                   // unparseable
	}
	for _, u := range tests {
		if _, err := NewClient(u); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
	if _, err := NewClient("http://127.0.0.1:8601"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmit_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/scans" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.URL != "https://example.com" {
			t.Errorf("unexpected url in body: %q", req.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"scanId":"ext-42"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	id, err := c.Submit(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "ext-42" {
		t.Fatalf("scan id = %q, want ext-42", id)
	}
}

func TestSubmit_ServerErrorCarriesStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Submit(context.Background(), "https://example.com")

	if !errors.Is(err, common.ErrorScanService) {
		t.Fatalf("want ErrorScanService, got %v", err)
	}
	var statusErr *common.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want status 503 in error chain, got %v", err)
	}
}

func TestSubmit_EmptyScanIDRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	if _, err := c.Submit(context.Background(), "https://example.com"); err == nil {
		t.Fatalf("expected error for empty scanId")
	}
}

func TestPoll_NotReadyIs404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/scans/ext-42/result" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	result, ready, err := c.Poll(context.Background(), "ext-42")
	if err != nil {
		t.Fatalf("not-ready must not be an error: %v", err)
	}
	if ready || result != nil {
		t.Fatalf("want ready=false, nil result; got ready=%v result=%s", ready, result)
	}
}

func TestPoll_Ready(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verdict":"clean","score":0}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	result, ready, err := c.Poll(context.Background(), "ext-42")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !ready {
		t.Fatalf("want ready=true")
	}
	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("result is not valid json: %v", err)
	}
	if decoded["verdict"] != "clean" {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestPoll_OtherStatusIsHardError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, _, err := c.Poll(context.Background(), "ext-42")
	if !errors.Is(err, common.ErrorScanService) {
		t.Fatalf("want ErrorScanService, got %v", err)
	}
	var statusErr *common.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusGone {
		t.Fatalf("want status 410 in chain, got %v", err)
	}
}
