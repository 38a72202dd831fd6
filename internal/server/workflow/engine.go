// Package workflow implements the resumable step engine that drives one
// scan session end to end: submit the URL to the scanning service, poll
// for the result, render the report, store it, and finalize.
//
// Every step checkpoints into the durable ledger before the workflow moves
// on, so a process restart re-enters at the first incomplete step instead
// of starting over. Poll sleeps persist a resume-after instant for the
// same reason: a restart mid-sleep waits out the remainder, it does not
// reset the attempt counter.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/errclass"
	"github.com/dmitrijs2005/scanreport/internal/logging"
	"github.com/dmitrijs2005/scanreport/internal/retry"
	"github.com/dmitrijs2005/scanreport/internal/server/blob"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/report"
	"github.com/dmitrijs2005/scanreport/internal/server/scan"
	"github.com/dmitrijs2005/scanreport/internal/server/store"
)

// Ledger step markers. A ledger's Step field records the last step that
// completed, so a fresh workflow starts at zero.
const (
	stepNone      = 0
	stepFetched   = 1
	stepSubmitted = 2
	stepPolled    = 3
	stepStored    = 5
)

// maxPollAttempt is the highest poll attempt number; attempts are counted
// from zero, so the scanning service is asked at most maxPollAttempt+1
// times before the workflow fails with a timeout.
const maxPollAttempt = 40

// Hub is the coordinator surface the engine drives. The engine is the only
// writer of session state while a workflow is in flight.
type Hub interface {
	GetState(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, id string, p models.Patch) error
}

// Engine runs scan workflows. One Run call handles one session; different
// sessions run in parallel, each serialized by its own coordinator.
type Engine struct {
	hub      Hub
	scans    scan.Service
	renderer report.Renderer
	blobs    blob.Store
	store    store.Store
	logger   logging.Logger

	submitRetry retry.Options
	storeRetry  retry.Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(hub Hub, scans scan.Service, renderer report.Renderer, blobs blob.Store, st store.Store, logger logging.Logger) *Engine {
	return &Engine{
		hub:      hub,
		scans:    scans,
		renderer: renderer,
		blobs:    blobs,
		store:    st,
		logger:   logger.With("module", "workflow"),
		submitRetry: retry.Options{
			MaxAttempts:   3,
			InitialDelay:  2 * time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
		},
		storeRetry: retry.Options{
			MaxAttempts:   3,
			InitialDelay:  1 * time.Second,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
		},
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Run executes the workflow for id from wherever its ledger left off. Any
// failure in steps before finalize is reported to the user through a
// classified error summary on the session; the raw error is logged for
// operators and returned. Finalize and the failure report itself are never
// retried.
func (e *Engine) Run(ctx context.Context, id string) error {
	logger := e.logger.With("session_id", id)

	l, err := e.store.LoadLedger(ctx, id)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		l = &store.Ledger{SessionID: id, Step: stepNone}
	case err != nil:
		return err
	}

	if err := e.store.AddPending(ctx, id); err != nil {
		logger.Warn(ctx, "recording pending workflow failed", "error", err)
	}

	s, err := e.hub.GetState(ctx, id)
	if err != nil {
		return e.fail(ctx, logger, id, l, fmt.Errorf("fetching session: %w", err))
	}
	if s.Status.Terminal() {
		// nothing left to drive; clear the leftover bookkeeping
		e.cleanup(ctx, logger, id)
		return nil
	}
	if l.Step < stepFetched {
		l.Step = stepFetched
		if err := e.store.SaveLedger(ctx, l); err != nil {
			return e.fail(ctx, logger, id, l, err)
		}
	}

	run := &jobState{id: id, target: s.TargetURL, status: s.Status, progress: s.ProgressPercent}

	if err := e.advance(ctx, logger, run, l); err != nil {
		return e.fail(ctx, logger, id, l, err)
	}

	return e.finalize(ctx, logger, run, l)
}

// ResumePending restarts every workflow that was in flight when the
// process last stopped. Each resumed workflow runs on its own goroutine;
// failures surface through the usual per-session failure path.
func (e *Engine) ResumePending(ctx context.Context) error {
	ids, err := e.store.PendingWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.logger.Info(ctx, "resuming interrupted workflow", "session_id", id)
		go func(id string) {
			if err := e.Run(ctx, id); err != nil {
				e.logger.Error(ctx, "resumed workflow failed", "session_id", id, "error", err)
			}
		}(id)
	}
	return nil
}

// jobState is the in-memory view the engine keeps while driving one
// session, mainly so stage updates after a resume can skip fields the
// session has already moved past.
type jobState struct {
	id       string
	target   string
	status   models.Status
	progress int
}

// stageRank orders the forward stages of a scan. A resumed workflow may
// replay the update of an earlier step; comparing ranks lets push drop the
// parts the session has already passed instead of tripping the transition
// check.
var stageRank = map[models.Status]int{
	models.StatusQueued:     0,
	models.StatusScanning:   1,
	models.StatusGenerating: 2,
	models.StatusUploading:  3,
	models.StatusCompleted:  4,
}

// advance runs the retryable middle of the workflow: submit, poll, render,
// store. It returns with the ledger at stepStored on success.
func (e *Engine) advance(ctx context.Context, logger logging.Logger, run *jobState, l *store.Ledger) error {
	if l.Step < stepSubmitted {
		if err := e.submit(ctx, logger, run, l); err != nil {
			return err
		}
	}
	if l.Step < stepPolled {
		if err := e.poll(ctx, logger, run, l); err != nil {
			return err
		}
	}
	if l.Step < stepStored {
		// render and store run as a pair: the rendered bytes are not
		// checkpointed, so a restart between them re-renders from the
		// ledger's scan result.
		if err := e.renderAndStore(ctx, logger, run, l); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, logger logging.Logger, run *jobState, l *store.Ledger) error {
	scanID, err := retry.Do(ctx, e.submitRetry, func(ctx context.Context) (string, error) {
		return e.scans.Submit(ctx, run.target)
	})
	if err != nil {
		return fmt.Errorf("submitting scan: %w", err)
	}
	logger.Info(ctx, "scan submitted", "scan_id", scanID)

	pct := 15
	if err := e.push(ctx, run, models.StatusScanning, models.Patch{
		ExternalScanID:  &scanID,
		ProgressPercent: &pct,
	}); err != nil {
		return err
	}

	l.Step = stepSubmitted
	l.ScanID = scanID
	return e.store.SaveLedger(ctx, l)
}

func (e *Engine) poll(ctx context.Context, logger logging.Logger, run *jobState, l *store.Ledger) error {
	for {
		if !l.ResumeAfter.IsZero() {
			if d := l.ResumeAfter.Sub(e.now()); d > 0 {
				if err := e.sleep(ctx, d); err != nil {
					return err
				}
			}
			l.ResumeAfter = time.Time{}
		}

		result, ready, err := e.scans.Poll(ctx, l.ScanID)
		if err != nil {
			return fmt.Errorf("polling scan %s: %w", l.ScanID, err)
		}
		if ready {
			l.Step = stepPolled
			l.Result = result
			l.PollAttempt = 0
			return e.store.SaveLedger(ctx, l)
		}

		if l.PollAttempt >= maxPollAttempt {
			return fmt.Errorf("%w: scan %s produced no result after %d attempts",
				common.ErrorPollTimeout, l.ScanID, l.PollAttempt+1)
		}

		l.PollAttempt++
		l.ResumeAfter = e.now().Add(pollDelay(l.PollAttempt))
		if err := e.store.SaveLedger(ctx, l); err != nil {
			return err
		}

		pct := pollProgress(l.PollAttempt)
		msg := fmt.Sprintf("waiting for scan result (attempt %d of %d)", l.PollAttempt, maxPollAttempt+1)
		if err := e.push(ctx, run, models.StatusScanning, models.Patch{
			ProgressPercent: &pct,
			ProgressMessage: &msg,
		}); err != nil {
			return err
		}
		logger.Debug(ctx, "scan result not ready", "attempt", l.PollAttempt)
	}
}

func (e *Engine) renderAndStore(ctx context.Context, logger logging.Logger, run *jobState, l *store.Ledger) error {
	pct := 70
	if err := e.push(ctx, run, models.StatusGenerating, models.Patch{ProgressPercent: &pct}); err != nil {
		return err
	}

	pdf, err := e.renderer.Render(ctx, l.Result, run.target)
	if err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	logger.Info(ctx, "report rendered", "bytes", len(pdf))

	pct = 85
	if err := e.push(ctx, run, models.StatusUploading, models.Patch{ProgressPercent: &pct}); err != nil {
		return err
	}

	key := ArtifactKey(run.id)
	_, err = retry.Do(ctx, e.storeRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.blobs.Put(ctx, key, pdf, map[string]string{
			"session-id": run.id,
			"target-url": run.target,
		})
	})
	if err != nil {
		return fmt.Errorf("storing report: %w", err)
	}
	logger.Info(ctx, "report stored", "key", key)

	l.Step = stepStored
	l.ArtifactKey = key
	return e.store.SaveLedger(ctx, l)
}

// finalize marks the session completed and clears the workflow
// bookkeeping. Deliberately no retry and no failure report here: a session
// that reached this point has its artifact stored, and flipping it to
// failed would be a lie.
func (e *Engine) finalize(ctx context.Context, logger logging.Logger, run *jobState, l *store.Ledger) error {
	key := l.ArtifactKey
	pct := 100
	msg := "report ready"
	if err := e.push(ctx, run, models.StatusCompleted, models.Patch{
		ArtifactKey:     &key,
		ProgressPercent: &pct,
		ProgressMessage: &msg,
	}); err != nil {
		logger.Error(ctx, "finalize update failed, session left non-terminal", "error", err)
		return err
	}

	e.cleanup(ctx, logger, run.id)
	logger.Info(ctx, "workflow completed", "artifact_key", key)
	return nil
}

// fail reports a workflow failure: the user sees the classified summary on
// the session, the operator log gets the raw detail. The failure update is
// intentionally not retried.
func (e *Engine) fail(ctx context.Context, logger logging.Logger, id string, l *store.Ledger, err error) error {
	triple := errclass.Classify(err)
	summary := triple.String()
	failed := models.StatusFailed

	if uerr := e.hub.Update(ctx, id, models.Patch{Status: &failed, ErrorSummary: &summary}); uerr != nil {
		logger.Error(ctx, "reporting workflow failure failed", "error", uerr)
	}
	e.cleanup(ctx, logger, id)

	logger.Error(ctx, "workflow failed", "step", l.Step,
		"detail", errclass.OperatorDetail(err, "session_id", id, "step", l.Step))
	return err
}

func (e *Engine) cleanup(ctx context.Context, logger logging.Logger, id string) {
	if err := e.store.DeleteLedger(ctx, id); err != nil && !errors.Is(err, common.ErrorNotFound) {
		logger.Warn(ctx, "deleting workflow ledger failed", "error", err)
	}
	if err := e.store.RemovePending(ctx, id); err != nil {
		logger.Warn(ctx, "removing pending marker failed", "error", err)
	}
}

// push applies a stage update through the hub. The status field is set
// only when it moves the session forward, and a progress value the session
// has already passed is dropped, so a resumed workflow replaying the
// update of a completed step is a no-op rather than an invalid transition.
func (e *Engine) push(ctx context.Context, run *jobState, status models.Status, p models.Patch) error {
	if stageRank[run.status] < stageRank[status] {
		p.Status = &status
	}
	if p.ProgressPercent != nil && *p.ProgressPercent < run.progress {
		p.ProgressPercent = nil
	}
	if p == (models.Patch{}) {
		return nil
	}
	if err := e.hub.Update(ctx, run.id, p); err != nil {
		return err
	}
	if stageRank[status] > stageRank[run.status] {
		run.status = status
	}
	if p.ProgressPercent != nil && *p.ProgressPercent > run.progress {
		run.progress = *p.ProgressPercent
	}
	return nil
}

// ArtifactKey is the blob storage key for a session's rendered report.
func ArtifactKey(id string) string {
	return "reports/" + id + ".pdf"
}

// pollDelay escalates with the attempt count: frequent at first while most
// scans finish, then backing off for the slow tail. The full schedule
// budgets roughly ten minutes.
func pollDelay(attempt int) time.Duration {
	switch {
	case attempt <= 5:
		return 5 * time.Second
	case attempt <= 15:
		return 10 * time.Second
	default:
		return 15 * time.Second
	}
}

// pollProgress maps the attempt count linearly onto the 15..65 span.
func pollProgress(attempt int) int {
	pct := 15 + attempt*50/maxPollAttempt
	if pct > 65 {
		pct = 65
	}
	return pct
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
