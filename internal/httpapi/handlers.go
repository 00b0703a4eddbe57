package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"market_watcher/internal/domain"
	"market_watcher/internal/scheduler"
)

type SubscriptionStore interface {
	Create(ctx context.Context, query, destination string) (*domain.Subscription, error)
	Get(ctx context.Context, id int64) (*domain.Subscription, error)
	ListActive(ctx context.Context) ([]domain.Subscription, error)
	Delete(ctx context.Context, id int64) error
}

type SchedulerStatus interface {
	State() scheduler.State
	LastSweep() (*domain.SweepStats, error)
}

type Handler struct {
	subs   SubscriptionStore
	status SchedulerStatus
	logger *slog.Logger
}

func NewHandler(subs SubscriptionStore, status SchedulerStatus, logger *slog.Logger) *Handler {
	return &Handler{
		subs:   subs,
		status: status,
		logger: logger.With("component", "httpapi"),
	}
}

type createSubscriptionRequest struct {
	Query       string `json:"query" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

type sweepResponse struct {
	StartedAt     time.Time `json:"started_at"`
	Duration      string    `json:"duration"`
	Subscriptions int       `json:"subscriptions"`
	Failed        int       `json:"failed"`
	Candidates    int       `json:"candidates"`
	Delivered     int       `json:"delivered"`
	Errors        int       `json:"errors"`
	Interrupted   bool      `json:"interrupted"`
	Error         string    `json:"error,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":    "ok",
		"scheduler": h.status.State().String(),
	}

	stats, err := h.status.LastSweep()
	if stats != nil || err != nil {
		last := sweepResponse{}
		if stats != nil {
			last = sweepResponse{
				StartedAt:     stats.StartedAt,
				Duration:      stats.Duration.String(),
				Subscriptions: stats.Subscriptions,
				Failed:        stats.Failed,
				Candidates:    stats.Candidates,
				Delivered:     stats.Delivered,
				Errors:        stats.Errors,
				Interrupted:   stats.Interrupted,
			}
		}
		if err != nil {
			last.Error = err.Error()
		}
		resp["last_sweep"] = last
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.subs.ListActive(c.Request.Context())
	if err != nil {
		h.internalError(c, "list subscriptions", err)
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.subs.Create(c.Request.Context(), req.Query, req.Destination)
	if err != nil {
		h.internalError(c, "create subscription", err)
		return
	}

	h.logger.Info("subscription created",
		"subscription_id", sub.ID,
		"destination", sub.Destination,
	)
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) GetSubscription(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	sub, err := h.subs.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case err != nil:
		h.internalError(c, "get subscription", err)
	default:
		c.JSON(http.StatusOK, sub)
	}
}

func (h *Handler) DeleteSubscription(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	err := h.subs.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case err != nil:
		h.internalError(c, "delete subscription", err)
	default:
		h.logger.Info("subscription deleted", "subscription_id", id)
		c.Status(http.StatusNoContent)
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
