package main

import (
	"errors"
	"net/http"
	"time"

	appcredits "github.com/fieldops/backend/internal/application/credits"
	"github.com/fieldops/backend/internal/domain/credits"
	"github.com/fieldops/backend/internal/domain/shared"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// creditsHandler exposes the consumption protocol over HTTP for the sending
// pipeline and back-office tooling
type creditsHandler struct {
	consumption  *appcredits.ConsumptionService
	orchestrator *appcredits.RetryOrchestrator
	packs        *appcredits.PackService
}

func newCreditsHandler(
	consumption *appcredits.ConsumptionService,
	orchestrator *appcredits.RetryOrchestrator,
	packs *appcredits.PackService,
) *creditsHandler {
	return &creditsHandler{
		consumption:  consumption,
		orchestrator: orchestrator,
		packs:        packs,
	}
}

func (h *creditsHandler) register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.POST("/tenants/:tenantID/reserve", h.reserve)
	v1.GET("/tenants/:tenantID/availability", h.availability)
	v1.POST("/tenants/:tenantID/packs", h.createPack)
	v1.GET("/tenants/:tenantID/packs", h.listPacks)
	v1.POST("/reservations/:groupID/finalize", h.finalize)
	v1.POST("/reservations/:groupID/release", h.release)
}

type reserveRequest struct {
	PackType string `json:"pack_type" binding:"required"`
	Quantity int64  `json:"quantity" binding:"required"`
}

func (h *creditsHandler) reserve(c *gin.Context) {
	tenantID, ok := pathUUID(c, "tenantID")
	if !ok {
		return
	}
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.consumption.Reserve(c.Request.Context(), tenantID, credits.PackType(req.PackType), req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *creditsHandler) finalize(c *gin.Context) {
	groupID, ok := pathUUID(c, "groupID")
	if !ok {
		return
	}

	result, err := h.orchestrator.FinalizeDurably(c.Request.Context(), groupID)
	if err != nil {
		var persistent *appcredits.PersistentFailureError
		if errors.As(err, &persistent) {
			// Every inline attempt failed; the reservation is queued for
			// background recovery
			c.JSON(http.StatusServiceUnavailable, result)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *creditsHandler) release(c *gin.Context) {
	groupID, ok := pathUUID(c, "groupID")
	if !ok {
		return
	}

	if err := h.consumption.Release(c.Request.Context(), groupID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *creditsHandler) availability(c *gin.Context) {
	tenantID, ok := pathUUID(c, "tenantID")
	if !ok {
		return
	}
	var query struct {
		PackType string `form:"pack_type" binding:"required"`
		Quantity int64  `form:"quantity"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	canConsume, availability, err := h.consumption.CheckAvailability(
		c.Request.Context(), tenantID, credits.PackType(query.PackType), query.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"can_consume":  canConsume,
		"availability": availability,
	})
}

type createPackRequest struct {
	PackType    string     `json:"pack_type" binding:"required"`
	Quantity    int64      `json:"quantity" binding:"required"`
	PurchasedAt *time.Time `json:"purchased_at"`
	ExpiresAt   time.Time  `json:"expires_at" binding:"required"`
}

func (h *creditsHandler) createPack(c *gin.Context) {
	tenantID, ok := pathUUID(c, "tenantID")
	if !ok {
		return
	}
	var req createPackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	purchasedAt := time.Now()
	if req.PurchasedAt != nil {
		purchasedAt = *req.PurchasedAt
	}

	pack, err := h.packs.CreatePack(c.Request.Context(), tenantID, credits.PackType(req.PackType), req.Quantity, purchasedAt, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pack)
}

func (h *creditsHandler) listPacks(c *gin.Context) {
	tenantID, ok := pathUUID(c, "tenantID")
	if !ok {
		return
	}
	packType := credits.PackType(c.Query("pack_type"))
	if !packType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown pack_type"})
		return
	}

	packs, err := h.packs.ListPacks(c.Request.Context(), tenantID, packType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, packs)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain validation failures to 400 and everything else to 500
func respondError(c *gin.Context, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": domainErr.Message, "code": domainErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
