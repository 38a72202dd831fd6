package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

func TestRender_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/render" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req struct {
			Result json.RawMessage `json:"result"`
			URL    string          `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.URL != "https://example.com" {
			t.Errorf("unexpected url: %q", req.URL)
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 fake"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	pdf, err := c.Render(context.Background(), json.RawMessage(`{"verdict":"clean"}`), "https://example.com")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if string(pdf[:4]) != "%PDF" {
		t.Fatalf("unexpected payload: %q", pdf)
	}
}

func TestRender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Render(context.Background(), json.RawMessage(`{}`), "https://example.com")
	if !errors.Is(err, common.ErrorRenderer) {
		t.Fatalf("want ErrorRenderer, got %v", err)
	}
}

func TestRender_EmptyBodyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Render(context.Background(), json.RawMessage(`{}`), "https://example.com")
	if !errors.Is(err, common.ErrorRenderer) {
		t.Fatalf("want ErrorRenderer for empty document, got %v", err)
	}
}
