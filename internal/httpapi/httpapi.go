// Package httpapi exposes the admission engine and the operator security
// surface over gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/codes"
	"attendguard/internal/directory"
	"attendguard/internal/geo"
	"attendguard/internal/incident"
	"attendguard/internal/logging"
	"attendguard/internal/reputation"
)

// Admissions is the attendance side of the API.
type Admissions interface {
	Submit(ctx context.Context, sub attendance.Submission) (attendance.Admission, error)
	RequestCode(ctx context.Context, sessionID, rollNumber string) (codes.Code, error)
	SessionAttendance(ctx context.Context, sessionID string) ([]attendance.Record, error)
	StudentHistory(ctx context.Context, rollNumber string) ([]attendance.HistoryEntry, error)
}

// Incidents lists and resolves security incidents.
type Incidents interface {
	List(ctx context.Context, f incident.Filter) ([]incident.Incident, error)
	Resolve(ctx context.Context, id, by string) (incident.Incident, error)
}

// Reputation is the operator view of the reputation store.
type Reputation interface {
	Block(ctx context.Context, id reputation.Identity, reason string) error
	Unblock(ctx context.Context, id reputation.Identity) error
	ListBlocked(ctx context.Context, kind reputation.Kind) ([]reputation.Block, error)
	Reputation(ctx context.Context, id reputation.Identity) (reputation.Record, error)
}

// Handler serves the HTTP API.
type Handler struct {
	admissions Admissions
	incidents  Incidents
	reputation Reputation
	log        *zap.Logger
}

// New creates a handler.
func New(admissions Admissions, incidents Incidents, rep Reputation, lg *zap.Logger) *Handler {
	return &Handler{admissions: admissions, incidents: incidents, reputation: rep, log: logging.OrNop(lg)}
}

// NewRouter returns a bare gin engine whose ClientIP honours forwarding
// headers only from trustedProxies. With none, the peer address is used.
func NewRouter(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return r, nil
}

// Register mounts the routes on r. staff guards session listings and the
// security surface.
func (h *Handler) Register(r gin.IRouter, staff gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.POST("/attendance/codes", h.requestCode)
	v1.POST("/attendance/submit", h.submit)
	v1.GET("/attendance/history/:roll", h.history)

	guarded := v1.Group("", staff)
	guarded.GET("/attendance/sessions/:id", h.sessionAttendance)

	sec := guarded.Group("/security")
	sec.GET("/incidents", h.listIncidents)
	sec.PUT("/incidents/:id/resolve", h.resolveIncident)
	sec.POST("/:kind/block", h.block)
	sec.POST("/:kind/unblock", h.unblock)
	sec.GET("/blocked", h.listBlocked)
	sec.GET("/reputation/:kind", h.reputationSummary)
}

type codeRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	RollNumber string `json:"roll_number" binding:"required"`
}

func (h *Handler) requestCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code, err := h.admissions.RequestCode(c.Request.Context(), req.SessionID, req.RollNumber)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code.Value, "expires_at": code.ExpiresAt})
}

type submitRequest struct {
	SessionID          string     `json:"session_id" binding:"required"`
	RollNumber         string     `json:"roll_number" binding:"required"`
	Code               string     `json:"code" binding:"required"`
	DeviceFingerprint  string     `json:"device_fingerprint" binding:"required"`
	BrowserFingerprint string     `json:"browser_fingerprint"`
	Location           *geo.Point `json:"location"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adm, err := h.admissions.Submit(c.Request.Context(), attendance.Submission{
		SessionID:          req.SessionID,
		RollNumber:         req.RollNumber,
		Code:               req.Code,
		DeviceFingerprint:  req.DeviceFingerprint,
		NetworkIdentity:    c.ClientIP(),
		BrowserFingerprint: req.BrowserFingerprint,
		Location:           req.Location,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":        true,
		"message":        "Attendance marked successfully",
		"attendance_id":  adm.Record.ID,
		"security_score": adm.Assessment.Score,
		"flags":          adm.Assessment.Flags,
		"timestamp":      adm.Record.RecordedAt,
	})
}

func (h *Handler) history(c *gin.Context) {
	entries, err := h.admissions.StudentHistory(c.Request.Context(), c.Param("roll"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []attendance.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"records": entries})
}

func (h *Handler) sessionAttendance(c *gin.Context) {
	recs, err := h.admissions.SessionAttendance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(recs)})
}

func (h *Handler) listIncidents(c *gin.Context) {
	f := incident.Filter{
		Type:      incident.Type(c.Query("type")),
		Severity:  incident.Severity(c.Query("severity")),
		SessionID: c.Query("session_id"),
	}
	if v := c.Query("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be a boolean"})
			return
		}
		f.Resolved = &resolved
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	incs, err := h.incidents.List(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if incs == nil {
		incs = []incident.Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incs})
}

func (h *Handler) resolveIncident(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	inc, err := h.incidents.Resolve(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

type blockRequest struct {
	Identity string `json:"identity" binding:"required"`
	Reason   string `json:"reason"`
}

func (h *Handler) identity(c *gin.Context, value string) (reputation.Identity, bool) {
	switch kind := reputation.Kind(c.Param("kind")); kind {
	case reputation.KindDevice, reputation.KindNetwork:
		return reputation.Identity{Kind: kind, Value: value}, true
	case reputation.KindStudent:
		if c.Request.Method == http.MethodGet {
			return reputation.Identity{Kind: kind, Value: value}, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported identity kind"})
	return reputation.Identity{}, false
}

func (h *Handler) block(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := h.identity(c, req.Identity)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "Blocked by operator"
	}
	if err := h.reputation.Block(c.Request.Context(), id, reason); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "blocked": true})
}

func (h *Handler) unblock(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := h.identity(c, req.Identity)
	if !ok {
		return
	}
	if err := h.reputation.Unblock(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "blocked": false})
}

func (h *Handler) listBlocked(c *gin.Context) {
	blocks, err := h.reputation.ListBlocked(c.Request.Context(), reputation.Kind(c.Query("kind")))
	if err != nil {
		h.fail(c, err)
		return
	}
	if blocks == nil {
		blocks = []reputation.Block{}
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocks})
}

func (h *Handler) reputationSummary(c *gin.Context) {
	value := c.Query("identity")
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity required"})
		return
	}
	id, ok := h.identity(c, value)
	if !ok {
		return
	}
	rec, err := h.reputation.Reputation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rec.Associations == nil {
		rec.Associations = []reputation.Association{}
	}
	c.JSON(http.StatusOK, rec)
}

// fail maps core errors to responses.
func (h *Handler) fail(c *gin.Context, err error) {
	if rej, ok := attendance.AsRejection(err); ok {
		body := gin.H{"error": string(rej.Kind), "message": rej.Message()}
		if rej.Kind == attendance.KindRiskBlocked {
			body["message"] = rej.Reason
			body["security_score"] = rej.Score
			body["flags"] = rej.Flags
		}
		if rej.Retryable() {
			c.Header("Retry-After", "1")
		}
		c.JSON(rejectionStatus(rej.Kind), body)
		return
	}
	switch {
	case errors.Is(err, attendance.ErrInvalidSubmission), errors.Is(err, reputation.ErrUnblockable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, incident.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logging.FromContext(c.Request.Context(), h.log).Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func rejectionStatus(k attendance.Kind) int {
	switch k {
	case attendance.KindSessionNotActive, attendance.KindStudentNotFound:
		return http.StatusNotFound
	case attendance.KindInvalidCode, attendance.KindExpiredCode, attendance.KindCodeAlreadyUsed:
		return http.StatusBadRequest
	case attendance.KindDuplicate:
		return http.StatusConflict
	case attendance.KindRiskBlocked:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

func nonNil(recs []attendance.Record) []attendance.Record {
	if recs == nil {
		return []attendance.Record{}
	}
	return recs
}
