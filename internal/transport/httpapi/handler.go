package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"pricewatch/internal/monitor"
	"pricewatch/internal/storage"
	logx "pricewatch/pkg/logx"
)

// Checker runs an on-demand check and stops tracking items.
type Checker interface {
	CheckNow(ctx context.Context, id int64) (monitor.CheckNowResult, error)
	Untrack(ctx context.Context, id int64) error
}

// HistoryReader reads an item and its observations.
type HistoryReader interface {
	Item(ctx context.Context, id int64) (storage.Item, error)
	Observations(ctx context.Context, itemID int64, limit int) ([]storage.Observation, error)
}

type Handler struct {
	checker Checker
	history HistoryReader
	health  func() any
	log     logx.Logger
}

// NewHandler wires the routes' collaborators. health returns the body of
// GET /health under "components".
func NewHandler(checker Checker, history HistoryReader, health func() any, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{checker: checker, history: history, health: health, log: log}
}

func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if h.health != nil {
		body["components"] = h.health()
	}
	c.JSON(http.StatusOK, body)
}

type checkResponse struct {
	ItemID       int64    `json:"item_id"`
	CurrentPrice *float64 `json:"current_price"`
}

func (h *Handler) CheckNow(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	res, err := h.checker.CheckNow(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "check", id, err)
		return
	}
	c.JSON(http.StatusOK, checkResponse{ItemID: id, CurrentPrice: res.CurrentPrice})
}

// Untrack deactivates an item; its history stays readable.
func (h *Handler) Untrack(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	if err := h.checker.Untrack(c.Request.Context(), id); err != nil {
		h.storeError(c, "untrack", id, err)
		return
	}
	h.log.Info("item untracked", logx.Int64("item", id))
	c.Status(http.StatusNoContent)
}

type observationDTO struct {
	Price      float64   `json:"price"`
	CapturedAt time.Time `json:"captured_at"`
}

type historyResponse struct {
	ItemID       int64            `json:"item_id"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	CurrentPrice *float64         `json:"current_price"`
	TargetPrice  *float64         `json:"target_price"`
	Observations []observationDTO `json:"observations"`
}

func (h *Handler) History(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	it, err := h.history.Item(ctx, id)
	if err != nil {
		h.storeError(c, "history", id, err)
		return
	}
	obs, err := h.history.Observations(ctx, id, limit)
	if err != nil {
		h.storeError(c, "history", id, err)
		return
	}
	resp := historyResponse{
		ItemID:       it.ID,
		Name:         it.Name,
		URL:          it.URL,
		CurrentPrice: it.CurrentPrice,
		TargetPrice:  it.TargetPrice,
		Observations: make([]observationDTO, 0, len(obs)),
	}
	for _, o := range obs {
		resp.Observations = append(resp.Observations, observationDTO{Price: o.Price, CapturedAt: o.CapturedAt})
	}
	c.JSON(http.StatusOK, resp)
}

func itemID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) storeError(c *gin.Context, op string, id int64, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	case errors.Is(err, monitor.ErrInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "item is not tracked"})
		return
	}
	h.log.Error(op+" failed", logx.Int64("item", id), logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}
