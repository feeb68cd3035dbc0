// Package scan implements the request lifecycle coordinator. It owns the
// single in-flight scan: admission (session, debounce, sanitization),
// execution, and publication of exactly one terminal outcome into the
// shared store per admitted request.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nymai/scand/internal/infrastructure/config"
	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/scan/executor"
	"github.com/nymai/scand/internal/scan/keepalive"
	"github.com/nymai/scand/internal/scan/ratelimit"
	"github.com/nymai/scand/internal/scan/sanitize"
	"github.com/nymai/scand/internal/session"
	"github.com/nymai/scand/internal/shared/id"
	"github.com/nymai/scand/internal/shared/types"
	"github.com/nymai/scand/internal/store"
)

// ErrScanInProgress is returned when a submission arrives while another
// scan is executing. The caller surfaces it without writing an outcome; the
// in-flight scan's result must not be clobbered.
var ErrScanInProgress = errors.New("a scan is already in progress")

// ErrRateLimited is returned when a submission lands inside the debounce
// window.
var ErrRateLimited = errors.New("scan rate limited")

// ErrStoreWrite is returned when admission cannot persist the scanning
// flag. This is an internal fault, not a policy rejection.
var ErrStoreWrite = errors.New("failed to persist scan state")

// Executor issues one analysis call. Satisfied by executor.Client.
type Executor interface {
	Execute(ctx context.Context, req types.ScanRequest, sess *types.Session) (types.Outcome, error)
}

// handle tracks one admitted request until its terminal outcome.
type handle struct {
	scanID    string
	scanType  types.ScanType
	content   types.ContentType
	startedAt time.Time
	cancel    context.CancelFunc
	keep      *keepalive.Handle
}

// Coordinator serializes the scan lifecycle. All admission decisions happen
// under one mutex so concurrent triggers cannot both pass the gate.
type Coordinator struct {
	store     *store.Store
	gate      *session.Gate
	sanitizer *sanitize.Sanitizer
	debounce  *ratelimit.Debounce
	keeper    *keepalive.Keeper
	exec      Executor
	metrics   *monitoring.Metrics
	log       *logging.Logger
	cfg       config.ScanConfig

	mu          sync.Mutex
	active      *handle
	cancelledAt time.Time
}

// New creates a coordinator and repairs any state orphaned by a previous
// process: an isScanning flag left active means the process died mid-scan,
// and every surface would otherwise show a spinner forever.
func New(
	st *store.Store,
	gate *session.Gate,
	exec Executor,
	keeper *keepalive.Keeper,
	cfg config.ScanConfig,
	metrics *monitoring.Metrics,
	log *logging.Logger,
) *Coordinator {
	c := &Coordinator{
		store:     st,
		gate:      gate,
		sanitizer: sanitize.New(cfg.MaxTextLen),
		debounce:  ratelimit.New(cfg.RateWindow),
		keeper:    keeper,
		exec:      exec,
		metrics:   metrics,
		log:       log.Named("coordinator"),
		cfg:       cfg,
	}
	c.repair()
	return c
}

// repair clears a scanning flag left behind by an unclean shutdown.
func (c *Coordinator) repair() {
	var flag types.ScanFlag
	ok, err := c.store.GetJSON(store.KeyIsScanning, &flag)
	if err != nil || !ok || !flag.Active {
		return
	}
	c.log.Warn("clearing orphaned scanning flag", zap.String("scan_id", flag.ScanID))
	if err := c.store.Set(store.KeyIsScanning, types.ScanFlag{Active: false}); err != nil {
		c.log.Error("failed to clear orphaned flag", zap.Error(err))
	}
	_ = c.store.Remove(store.KeyKeepAlive)
}

// Submit runs admission and, if the request is accepted, launches execution
// and returns the scan ID immediately. Rejections before execution write a
// classified error under lastScanResult, except the busy rejection, which
// must leave the in-flight scan's pending result alone.
func (c *Coordinator) Submit(raw types.RawScanRequest) (string, error) {
	sess, err := c.gate.Ensure(context.Background())
	if err != nil {
		// A 401 outcome is only published when idle; while a scan is in
		// flight its pending result must not be clobbered.
		if c.Active() {
			c.metrics.RecordRejection("unauthenticated")
		} else {
			c.rejectWithOutcome("unauthenticated", "Please log in to scan content", types.CodeUnauthenticated)
		}
		return "", err
	}

	c.mu.Lock()

	if c.active != nil {
		if c.activeStaleLocked() {
			c.log.Warn("discarding stale in-flight handle", zap.String("scan_id", c.active.scanID))
			c.active.cancel()
			c.active = nil
		} else {
			c.mu.Unlock()
			c.metrics.RecordRejection("busy")
			return "", ErrScanInProgress
		}
	}

	if !c.debounce.Allow(time.Now()) {
		c.mu.Unlock()
		c.rejectWithOutcome("rate_limited", "Please wait a moment before scanning again", types.CodeRateLimited)
		return "", ErrRateLimited
	}

	req, err := c.sanitizer.Sanitize(raw)
	if err != nil {
		c.mu.Unlock()
		reason := "bad_input"
		var rej *sanitize.RejectError
		if errors.As(err, &rej) {
			reason = string(rej.Reason)
		}
		c.rejectWithOutcome(reason, err.Error(), types.CodeBadInput)
		return "", err
	}

	scanID := id.NewScanID().String()
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		scanID:    scanID,
		scanType:  req.ScanType,
		content:   req.ContentType,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	c.active = h
	c.cancelledAt = time.Time{}

	if err := c.store.Set(store.KeyIsScanning, types.ScanFlag{
		Active: true,
		Since:  h.startedAt.UnixMilli(),
		ScanID: scanID,
	}); err != nil {
		c.active = nil
		cancel()
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	h.keep = c.keeper.Start(scanID)
	c.metrics.ScansInFlight.Set(1)
	c.mu.Unlock()

	c.log.Info("scan admitted",
		zap.String("scan_id", scanID),
		zap.String("scan_type", string(req.ScanType)),
		zap.String("content_type", string(req.ContentType)),
	)

	go c.run(ctx, h, req, sess)
	return scanID, nil
}

func (c *Coordinator) run(ctx context.Context, h *handle, req types.ScanRequest, sess *types.Session) {
	outcome, err := c.exec.Execute(ctx, req, sess)
	c.finish(h, outcome, err)
}

// finish publishes the terminal outcome. An outcome belonging to a
// superseded handle, or landing inside the cancellation grace window, is
// dropped: the user already moved on and the store was reset for them.
func (c *Coordinator) finish(h *handle, outcome types.Outcome, execErr error) {
	h.keep.Stop()

	c.mu.Lock()
	if c.active != h {
		c.mu.Unlock()
		if !errors.Is(execErr, executor.ErrCancelled) {
			c.log.Debug("dropping outcome for superseded scan", zap.String("scan_id", h.scanID))
		}
		return
	}
	c.active = nil
	c.metrics.ScansInFlight.Set(0)

	if errors.Is(execErr, executor.ErrCancelled) || c.inCancelGraceLocked() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	duration := time.Since(h.startedAt)

	if err := c.store.Set(store.KeyIsScanning, types.ScanFlag{Active: false}); err != nil {
		c.log.Error("failed to clear scanning flag", zap.Error(err))
	}

	value, err := outcome.StoreValue()
	if err != nil {
		c.log.Error("failed to render outcome", zap.Error(err))
		value, _ = types.Failure("unexpected error", types.CodeInternal).StoreValue()
	}
	if err := c.store.SetRaw(store.KeyLastScanResult, value); err != nil {
		c.log.Error("failed to publish outcome", zap.Error(err))
	}

	c.appendHistory(h, outcome)
	c.metrics.RecordScan(string(h.scanType), outcome.Class(), duration)

	c.log.Info("scan finished",
		zap.String("scan_id", h.scanID),
		zap.String("outcome", outcome.Class()),
		zap.Duration("duration", duration),
	)
}

// Cancel aborts the in-flight scan, if any. The reset is synchronous: by
// the time Cancel returns, isScanning is false and the previous result is
// gone, so the UI can re-render immediately.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	h := c.active
	c.active = nil
	c.cancelledAt = time.Now()
	c.mu.Unlock()

	if h == nil {
		return false
	}

	h.cancel()
	h.keep.Stop()
	c.metrics.ScansInFlight.Set(0)

	if err := c.store.Set(store.KeyIsScanning, types.ScanFlag{Active: false}); err != nil {
		c.log.Error("failed to clear scanning flag on cancel", zap.Error(err))
	}
	if err := c.store.Remove(store.KeyLastScanResult); err != nil {
		c.log.Error("failed to clear previous result on cancel", zap.Error(err))
	}

	c.log.Info("scan cancelled", zap.String("scan_id", h.scanID))
	return true
}

// Active reports whether a scan is executing right now.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Result returns the last published outcome, raw.
func (c *Coordinator) Result() (json.RawMessage, bool) {
	return c.store.Get(store.KeyLastScanResult)
}

// History returns the bounded scan history, newest first.
func (c *Coordinator) History() []types.ScanRecord {
	var records []types.ScanRecord
	if _, err := c.store.GetJSON(store.KeyScanHistory, &records); err != nil {
		c.log.Warn("scan history is corrupt", zap.Error(err))
		return nil
	}
	return records
}

// rejectWithOutcome publishes a pre-execution rejection so the popup shows
// the reason instead of a stuck spinner.
func (c *Coordinator) rejectWithOutcome(reason, message string, code int) {
	c.metrics.RecordRejection(reason)
	value, _ := types.Failure(message, code).StoreValue()
	if err := c.store.SetRaw(store.KeyLastScanResult, value); err != nil {
		c.log.Error("failed to publish rejection", zap.Error(err))
	}
}

func (c *Coordinator) appendHistory(h *handle, outcome types.Outcome) {
	record := types.ScanRecord{
		ID:          h.scanID,
		ContentType: h.content,
		ScanType:    h.scanType,
		StartedAt:   h.startedAt.UnixMilli(),
		FinishedAt:  time.Now().UnixMilli(),
	}
	if outcome.OK() {
		record.Result = outcome.Payload
	} else {
		record.Error = outcome.Err
	}

	var records []types.ScanRecord
	if _, err := c.store.GetJSON(store.KeyScanHistory, &records); err != nil {
		records = nil
	}
	records = append([]types.ScanRecord{record}, records...)
	if limit := c.cfg.HistoryLimit; limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if err := c.store.Set(store.KeyScanHistory, records); err != nil {
		c.log.Error("failed to append scan history", zap.Error(err))
	}
}

// activeStaleLocked reports whether the active handle outlived the staleness
// ceiling. Belt and braces for a run goroutine that never came back.
func (c *Coordinator) activeStaleLocked() bool {
	return c.active != nil && time.Since(c.active.startedAt) > c.cfg.StaleAfter
}

func (c *Coordinator) inCancelGraceLocked() bool {
	return !c.cancelledAt.IsZero() && time.Since(c.cancelledAt) < c.cfg.CancelGrace
}
