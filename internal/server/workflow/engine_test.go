package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/server/coordinator"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/store"
)

// -------- test fakes --------

type nopMirror struct{}

func (nopMirror) Upsert(ctx context.Context, s *models.Session) error { return nil }
func (nopMirror) MarkExpired(ctx context.Context, id string) error    { return nil }

type fakeScan struct {
	mu         sync.Mutex
	submits    int
	submitErr  error
	scanID     string
	polls      int
	readyAfter int // not-ready responses before the result appears
	pollErr    error
	result     json.RawMessage
}

func (f *fakeScan) Submit(ctx context.Context, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.scanID, nil
}

func (f *fakeScan) Poll(ctx context.Context, scanID string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, false, f.pollErr
	}
	if f.polls <= f.readyAfter {
		return nil, false, nil
	}
	return f.result, true, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	calls   int
	pdf     []byte
	err     error
	lastRes json.RawMessage
}

func (f *fakeRenderer) Render(ctx context.Context, result json.RawMessage, targetURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRes = result
	return f.pdf, f.err
}

type fakeBlob struct {
	mu       sync.Mutex
	puts     int
	failPuts int // first n puts fail retryably
	lastKey  string
	lastData []byte
	lastMeta map[string]string
}

func (f *fakeBlob) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.puts <= f.failPuts {
		return &common.HTTPStatusError{StatusCode: 503, Detail: "slow down"}
	}
	f.lastKey = key
	f.lastData = data
	f.lastMeta = metadata
	return nil
}

func (f *fakeBlob) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, common.ErrorNotFound
}

func (f *fakeBlob) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://blobs.example/" + key, nil
}

type fixture struct {
	engine *Engine
	hub    *coordinator.Registry
	store  *store.MemoryStore
	scans  *fakeScan
	render *fakeRenderer
	blobs  *fakeBlob
	sleeps []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	hub := coordinator.NewRegistry(st, nopMirror{}, logger, 24*time.Hour)

	f := &fixture{
		hub:    hub,
		store:  st,
		scans:  &fakeScan{scanID: "ext-1", result: json.RawMessage(`{"verdict":"clean"}`)},
		render: &fakeRenderer{pdf: []byte("%PDF-1.7 report")},
		blobs:  &fakeBlob{},
	}
	f.engine = NewEngine(hub, f.scans, f.render, f.blobs, st, logger)
	// collapse all waits so tests run instantly
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.engine.submitRetry.InitialDelay = 0
	f.engine.storeRetry.InitialDelay = 0
	return f
}

func (f *fixture) initSession(t *testing.T, id string) {
	t.Helper()
	err := f.hub.Init(context.Background(), coordinator.InitFields{
		ID:            id,
		TargetURL:     "https://example.com",
		NotifyAddress: "user@example.com",
	})
	if err != nil {
		t.Fatalf("init session: %v", err)
	}
}

// -------- tests --------

func TestRun_HappyPathCompletesAllSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.scans.readyAfter = 2

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	s, err := f.hub.GetState(ctx, "s1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if s.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.ArtifactKey != "reports/s1.pdf" {
		t.Fatalf("artifactKey = %q", s.ArtifactKey)
	}
	if s.ProgressPercent != 100 {
		t.Fatalf("progress = %d, want 100", s.ProgressPercent)
	}
	if s.ExternalScanID != "ext-1" {
		t.Fatalf("externalScanId = %q", s.ExternalScanID)
	}

	if f.blobs.lastKey != "reports/s1.pdf" || string(f.blobs.lastData) != "%PDF-1.7 report" {
		t.Fatalf("stored artifact mismatch: key=%q data=%q", f.blobs.lastKey, f.blobs.lastData)
	}
	if string(f.render.lastRes) != `{"verdict":"clean"}` {
		t.Fatalf("renderer got result %s", f.render.lastRes)
	}

	// bookkeeping cleared on completion
	if _, err := f.store.LoadLedger(ctx, "s1"); !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("ledger not deleted: %v", err)
	}
	pending, _ := f.store.PendingWorkflows(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending set not cleared: %v", pending)
	}
}

func TestRun_PollScheduleEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.scans.readyAfter = 7

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []time.Duration{
		5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	if len(f.sleeps) != len(want) {
		t.Fatalf("got %d sleeps (%v), want %d", len(f.sleeps), f.sleeps, len(want))
	}
	for i, d := range want {
		if f.sleeps[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, f.sleeps[i], d)
		}
	}
	if f.scans.polls != 8 {
		t.Fatalf("polls = %d, want 8", f.scans.polls)
	}
}

func TestRun_PollBudgetExhaustedFailsWithTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.scans.readyAfter = 1000 // never ready

	err := f.engine.Run(ctx, "s1")
	if !errors.Is(err, common.ErrorPollTimeout) {
		t.Fatalf("want ErrorPollTimeout, got %v", err)
	}
	if f.scans.polls != 41 {
		t.Fatalf("polls = %d, want exactly 41", f.scans.polls)
	}

	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.ErrorSummary, "timed out") {
		t.Fatalf("errorSummary = %q, want a timeout-class message", s.ErrorSummary)
	}
}

func TestRun_SubmitServerErrorFailsAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	// shaped like the real scan client's status errors
	f.scans.submitErr = fmt.Errorf("%w: %w", common.ErrorScanService,
		&common.HTTPStatusError{StatusCode: 500, Detail: "stack trace: secret.go:42"})

	err := f.engine.Run(ctx, "s1")
	if err == nil {
		t.Fatal("want an error")
	}
	if f.scans.submits != 3 {
		t.Fatalf("submits = %d, want 3 attempts", f.scans.submits)
	}

	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.ErrorSummary, "Scan failed") {
		t.Fatalf("errorSummary = %q, want scanning-service-class message", s.ErrorSummary)
	}
	// the user-facing summary never carries raw provider detail
	for _, leak := range []string{"500", "stack trace", "secret.go"} {
		if strings.Contains(s.ErrorSummary, leak) {
			t.Fatalf("errorSummary leaks %q: %q", leak, s.ErrorSummary)
		}
	}
}

func TestRun_PollHardErrorAbortsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.scans.pollErr = &common.HTTPStatusError{StatusCode: 400, Detail: "bad scan id"}

	if err := f.engine.Run(ctx, "s1"); err == nil {
		t.Fatal("want an error")
	}
	if f.scans.polls != 1 {
		t.Fatalf("polls = %d, want 1 (no retry of a hard poll error)", f.scans.polls)
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
}

func TestRun_StoreRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.blobs.failPuts = 2

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.blobs.puts != 3 {
		t.Fatalf("puts = %d, want 3", f.blobs.puts)
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
}

func TestRun_ResumesMidPollWithoutResubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")

	// state as left by a process that died during the 8th poll sleep
	scanning := models.StatusScanning
	p25 := 25
	if err := f.hub.Update(ctx, "s1", models.Patch{Status: &scanning, ProgressPercent: &p25}); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	l := &store.Ledger{
		SessionID:   "s1",
		Step:        stepSubmitted,
		ScanID:      "ext-9",
		PollAttempt: 7,
		ResumeAfter: time.Now().Add(-time.Second),
	}
	if err := f.store.SaveLedger(ctx, l); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := f.store.AddPending(ctx, "s1"); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.scans.submits != 0 {
		t.Fatalf("submit re-ran on resume: %d calls", f.scans.submits)
	}
	if f.scans.polls != 1 {
		t.Fatalf("polls = %d, want 1", f.scans.polls)
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
}

func TestRun_ResumeReplaysRenderAndStoreAfterUploadingUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")

	// crash happened after the uploading/85 update but before the ledger
	// recorded the stored artifact; the resume re-renders and re-stores
	scanning := models.StatusScanning
	generating := models.StatusGenerating
	uploading := models.StatusUploading
	for _, st := range []*models.Status{&scanning, &generating, &uploading} {
		if err := f.hub.Update(ctx, "s1", models.Patch{Status: st}); err != nil {
			t.Fatalf("seed status: %v", err)
		}
	}
	p85 := 85
	if err := f.hub.Update(ctx, "s1", models.Patch{ProgressPercent: &p85}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}
	l := &store.Ledger{
		SessionID: "s1",
		Step:      stepPolled,
		ScanID:    "ext-9",
		Result:    json.RawMessage(`{"verdict":"clean"}`),
	}
	if err := f.store.SaveLedger(ctx, l); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := f.store.AddPending(ctx, "s1"); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("resume must not fail the job: %v", err)
	}
	if f.scans.submits != 0 || f.scans.polls != 0 {
		t.Fatal("resume re-ran steps before render")
	}
	if f.render.calls != 1 || f.blobs.puts != 1 {
		t.Fatalf("render/store not replayed exactly once: %d/%d", f.render.calls, f.blobs.puts)
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusCompleted || s.ArtifactKey != "reports/s1.pdf" || s.ProgressPercent != 100 {
		t.Fatalf("resume did not complete the job: %+v", s)
	}
}

func TestRun_ResumesAtFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")

	// crash happened between storing the artifact and the finalize update
	uploading := models.StatusUploading
	p85 := 85
	scanning := models.StatusScanning
	generating := models.StatusGenerating
	for _, st := range []*models.Status{&scanning, &generating, &uploading} {
		if err := f.hub.Update(ctx, "s1", models.Patch{Status: st}); err != nil {
			t.Fatalf("seed status: %v", err)
		}
	}
	if err := f.hub.Update(ctx, "s1", models.Patch{ProgressPercent: &p85}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}
	l := &store.Ledger{SessionID: "s1", Step: stepStored, ScanID: "ext-9", ArtifactKey: "reports/s1.pdf"}
	if err := f.store.SaveLedger(ctx, l); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := f.store.AddPending(ctx, "s1"); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.scans.submits != 0 || f.scans.polls != 0 || f.render.calls != 0 || f.blobs.puts != 0 {
		t.Fatal("resume at finalize must not re-run earlier steps")
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusCompleted || s.ArtifactKey != "reports/s1.pdf" || s.ProgressPercent != 100 {
		t.Fatalf("finalize incomplete: %+v", s)
	}
}

func TestRun_TerminalSessionIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")

	failed := models.StatusFailed
	if err := f.hub.Update(ctx, "s1", models.Patch{Status: &failed}); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	if err := f.store.AddPending(ctx, "s1"); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	if err := f.engine.Run(ctx, "s1"); err != nil {
		t.Fatalf("run on terminal session: %v", err)
	}
	if f.scans.submits != 0 || f.scans.polls != 0 {
		t.Fatal("terminal session must not trigger collaborator calls")
	}
	pending, _ := f.store.PendingWorkflows(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending marker not cleared: %v", pending)
	}
}

func TestRun_MissingSessionFails(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Run(context.Background(), "ghost")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("want ErrorNotFound, got %v", err)
	}
}

func TestRun_RenderFailureReportsRendererClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.initSession(t, "s1")
	f.render.err = common.ErrorRenderer

	if err := f.engine.Run(ctx, "s1"); !errors.Is(err, common.ErrorRenderer) {
		t.Fatalf("want ErrorRenderer, got %v", err)
	}
	s, _ := f.hub.GetState(ctx, "s1")
	if s.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.ErrorSummary, "Report generation failed") {
		t.Fatalf("errorSummary = %q, want renderer-class message", s.ErrorSummary)
	}
}
