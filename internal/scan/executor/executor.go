// Package executor issues one analysis request and classifies its outcome.
// Scan calls are never auto-retried: a blind retry can double-spend the
// user's quota. A circuit breaker keeps a flapping backend from being
// hammered with doomed calls.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/resilience"
	"github.com/nymai/scand/internal/shared/types"
)

// ErrCancelled is returned when the caller's context was cancelled by an
// explicit user action. The outcome is silently dropped; the cancel handler
// owns the store reset.
var ErrCancelled = errors.New("scan cancelled by user")

// bodySnippetLen bounds how much of a non-JSON backend body is surfaced.
const bodySnippetLen = 200

// Config holds executor configuration.
type Config struct {
	BaseURL      string
	Timeout      time.Duration // interactive scans (text)
	MediaTimeout time.Duration // heavy media scans (image, video, audio)
}

// Client executes scan requests against the remote analysis service.
type Client struct {
	http    *resty.Client
	breaker *resilience.Breaker
	cfg     Config
	log     *logging.Logger
}

// New creates an executor client.
func New(cfg Config, log *logging.Logger) *Client {
	httpClient := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", "scand/1.0")

	breaker := resilience.New("analysis-backend", resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		http:    httpClient,
		breaker: breaker,
		cfg:     cfg,
		log:     log.Named("executor"),
	}
}

// Execute issues the HTTP call and produces exactly one terminal outcome,
// except on cooperative cancellation where it returns ErrCancelled and no
// outcome. ctx carries user cancellation; the timeout ceiling is applied
// internally per content type.
func (c *Client) Execute(ctx context.Context, req types.ScanRequest, sess *types.Session) (types.Outcome, error) {
	if err := c.breaker.Allow(); err != nil {
		return types.Failure("analysis service temporarily unavailable", types.CodeInternal), nil
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeoutFor(req))
	defer cancel()

	resp, err := c.http.R().
		SetContext(tctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+sess.AccessToken).
		SetBody(req).
		Post(c.endpoint(req.ScanType))

	if err != nil {
		outcome, cerr := c.classifyError(ctx, tctx, err)
		// A user cancel says nothing about backend health; it must not
		// count against the breaker.
		if !errors.Is(cerr, ErrCancelled) {
			c.breaker.Record(false)
		}
		return outcome, cerr
	}

	c.breaker.Record(true)
	return c.classifyResponse(resp), nil
}

func (c *Client) endpoint(scanType types.ScanType) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/scan/" + string(scanType.OrDefault())
}

func (c *Client) timeoutFor(req types.ScanRequest) time.Duration {
	if req.ContentType.IsMedia() {
		return c.cfg.MediaTimeout
	}
	return c.cfg.Timeout
}

// classifyError maps a thrown/rejected call to its terminal classification.
// User cancellation is consulted first so it wins the race against a
// near-simultaneous timeout or transport error.
func (c *Client) classifyError(ctx, tctx context.Context, err error) (types.Outcome, error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.Outcome{}, ErrCancelled
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return types.Failure("request timed out", types.CodeTimeout), nil
	}
	if isTransportInterrupt(err) {
		return types.Failure("connection interrupted", types.CodeInterrupted), nil
	}
	c.log.Error("scan request failed", zap.Error(err))
	return types.Failure("unexpected error", types.CodeInternal), nil
}

// classifyResponse implements the response branching: body first, then
// declared content type, then status.
func (c *Client) classifyResponse(resp *resty.Response) types.Outcome {
	body := resp.Body()
	status := resp.StatusCode()

	if !jsonTyped(resp.Header().Get("Content-Type")) {
		// Backend-side HTML error pages get surfaced distinctly from a
		// generic failure.
		return types.Failure(
			fmt.Sprintf("non-JSON response from backend (HTTP %d): %s", status, snippet(body)),
			types.CodeInternal,
		)
	}

	var parsed interface{}
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return types.Failure("invalid JSON from backend", types.CodeInternal)
	}
	detail := extractDetail(parsed)

	switch {
	case status == types.CodePaymentRequired || status == types.CodeRateLimited:
		// Quota or credit exhaustion; not retried, drives the upsell path.
		if detail == "" {
			detail = "quota exceeded"
		}
		return types.Failure(detail, status)
	case status != 200:
		if detail == "" {
			detail = "backend error"
		}
		return types.Failure(detail, types.CodeInternal)
	default:
		return types.Success(append([]byte(nil), body...))
	}
}

func extractDetail(parsed interface{}) string {
	if m, ok := parsed.(map[string]interface{}); ok {
		if d, ok := m["detail"].(string); ok {
			return d
		}
	}
	return ""
}

func jsonTyped(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > bodySnippetLen {
		s = s[:bodySnippetLen]
	}
	return s
}

func isTransportInterrupt(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
