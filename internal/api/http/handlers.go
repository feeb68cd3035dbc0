// Package http implements the local HTTP surface of the coordinator. Every
// handler is a thin adapter: admission and lifecycle decisions live in the
// coordinator and the session gate.
package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/nymai/scand/internal/extract"
	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/infrastructure/monitoring"
	"github.com/nymai/scand/internal/scan"
	"github.com/nymai/scand/internal/scan/sanitize"
	"github.com/nymai/scand/internal/session"
	"github.com/nymai/scand/internal/shared/types"
	"github.com/nymai/scand/internal/store"
)

// Handlers holds the HTTP surface dependencies.
type Handlers struct {
	coordinator *scan.Coordinator
	gate        *session.Gate
	store       *store.Store
	extractor   *extract.Extractor
	metrics     *monitoring.Metrics
	log         *logging.Logger

	backendURL string
	billing    *resty.Client
}

// NewHandlers creates the HTTP surface.
func NewHandlers(
	coordinator *scan.Coordinator,
	gate *session.Gate,
	st *store.Store,
	metrics *monitoring.Metrics,
	backendURL string,
	log *logging.Logger,
) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		gate:        gate,
		store:       st,
		extractor:   extract.New(),
		metrics:     metrics,
		log:         log.Named("http"),
		backendURL:  strings.TrimRight(backendURL, "/"),
		billing:     resty.New().SetTimeout(15 * time.Second),
	}
}

// Health reports process liveness and uptime.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(h.metrics.Uptime().Seconds()),
		"scanning":       h.coordinator.Active(),
	})
}

// SubmitScan admits a scan request. Accepted requests return 202 with the
// scan ID; the outcome arrives through the store, not this response.
func (h *Handlers) SubmitScan(c *gin.Context) {
	var raw types.RawScanRequest
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan request"})
		return
	}

	scanID, err := h.coordinator.Submit(raw)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"scan_id": scanID})
}

func submitStatus(err error) int {
	var rej *sanitize.RejectError
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, scan.ErrScanInProgress):
		return http.StatusConflict
	case errors.As(err, &rej):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		// Store write failures and anything else unclassified are internal
		// faults, not policy rejections.
		return http.StatusInternalServerError
	}
}

// CancelScan aborts the in-flight scan. Cancelling when idle is not an
// error; the UI may race a finishing scan.
func (h *Handlers) CancelScan(c *gin.Context) {
	cancelled := h.coordinator.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// ScanResult returns the last published outcome verbatim.
func (h *Handlers) ScanResult(c *gin.Context) {
	raw, ok := h.coordinator.Result()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no scan result"})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// ScanStatus returns the persisted scanning flag.
func (h *Handlers) ScanStatus(c *gin.Context) {
	var flag types.ScanFlag
	if _, err := h.store.GetJSON(store.KeyIsScanning, &flag); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scanning flag is corrupt"})
		return
	}
	c.JSON(http.StatusOK, flag)
}

// ExtractRequest carries a captured HTML fragment.
type ExtractRequest struct {
	HTML    string `json:"html"`
	BaseURL string `json:"base_url"`
	Charset string `json:"charset"`
	Submit  bool   `json:"submit"`
}

// Extract turns an HTML fragment into a scan tuple. With submit=true the
// tuple goes straight into the coordinator.
func (h *Handlers) Extract(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid extract request"})
		return
	}

	raw, err := h.extractor.FromHTML([]byte(req.HTML), req.BaseURL, req.Charset)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.Submit {
		c.JSON(http.StatusOK, raw)
		return
	}

	scanID, err := h.coordinator.Submit(raw)
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": scanID, "request": raw})
}

// LoginRequest carries password grant credentials.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login establishes a session through the identity provider.
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	sess, err := h.gate.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.log.Warn("login failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

// SessionInfo returns the current session, without token material.
func (h *Handlers) SessionInfo(c *gin.Context) {
	sess := h.gate.Current()
	if !sess.Authenticated() {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, sessionView(sess))
}

// SignOut revokes and clears the session.
func (h *Handlers) SignOut(c *gin.Context) {
	if err := h.gate.SignOut(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signed_out": true})
}

// AcceptExternalSession takes a session handed off by a trusted web origin
// finishing a login flow. The Origin header is checked against the
// allow-list; body-supplied origins are not trusted.
func (h *Handlers) AcceptExternalSession(c *gin.Context) {
	var sess types.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session payload"})
		return
	}

	origin := c.GetHeader("Origin")
	if err := h.gate.AcceptExternal(c.Request.Context(), origin, &sess); err != nil {
		if errors.Is(err, session.ErrOriginRejected) {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// CreateCheckout proxies the upsell flow to the backend. The popup calls
// this when a scan fails with a quota error.
func (h *Handlers) CreateCheckout(c *gin.Context) {
	sess, err := h.gate.Ensure(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "please log in first"})
		return
	}

	resp, err := h.billing.R().
		SetContext(c.Request.Context()).
		SetHeader("Authorization", "Bearer "+sess.AccessToken).
		Post(h.backendURL + "/v1/create-checkout-session")
	if err != nil {
		h.log.Error("checkout request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "checkout unavailable"})
		return
	}

	c.Data(resp.StatusCode(), "application/json", resp.Body())
}

// History returns the bounded scan history.
func (h *Handlers) History(c *gin.Context) {
	records := h.coordinator.History()
	if records == nil {
		records = []types.ScanRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// ExportHistory streams the scan history as gzip-compressed JSON.
func (h *Handlers) ExportHistory(c *gin.Context) {
	raw, ok := h.store.Get(store.KeyScanHistory)
	if !ok {
		raw = []byte("[]")
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", `attachment; filename="scan-history.json.gz"`)
	c.Status(http.StatusOK)

	gz := gzip.NewWriter(c.Writer)
	if _, err := gz.Write(raw); err != nil {
		h.log.Error("history export failed", zap.Error(err))
		return
	}
	if err := gz.Close(); err != nil {
		h.log.Error("history export failed", zap.Error(err))
	}
}

// sessionView redacts token material for the UI.
func sessionView(sess *types.Session) gin.H {
	view := gin.H{"authenticated": true}
	if sess.User != nil {
		view["user"] = sess.User
	}
	if sess.ExpiresAt > 0 {
		view["expires_at"] = sess.ExpiresAt
	}
	return view
}
