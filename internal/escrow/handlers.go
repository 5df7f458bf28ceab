package escrow

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketescrow/internal/logging"
	"github.com/mbd888/marketescrow/internal/validation"
)

// Identity headers set by the upstream auth gateway.
const (
	HeaderParty       = "X-Party"
	HeaderRole        = "X-Role"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service     *Service
	adminSecret string
}

// NewHandler creates a new escrow handler. When adminSecret is non-empty the
// custody agent role must present it in X-Admin-Secret.
func NewHandler(service *Service, adminSecret string) *Handler {
	return &Handler{service: service, adminSecret: adminSecret}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/stats", h.GetStats)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/parties/:party/escrows", validation.PartyParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes that need a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/payment", h.ConfirmPayment)
	r.POST("/escrow/:id/deliver", h.DeliverGoods)
	r.POST("/escrow/:id/confirm", h.ConfirmReceipt)
	r.POST("/escrow/:id/dispute", h.RaiseDispute)
	r.POST("/escrow/:id/release", h.ReleaseFunds)
	r.POST("/escrow/:id/resolve", h.ResolveDispute)
}

type paymentRequest struct {
	PaymentReference string `json:"paymentReference"`
}

type deliverRequest struct {
	DeliveryPayload string `json:"deliveryPayload"`
}

type confirmRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type releaseRequest struct {
	SettlementReference string `json:"settlementReference"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Buyer == "" {
		req.Buyer = actor.Party
	}

	if errs := validation.Validate(
		validation.ValidParty("buyer", req.Buyer),
		validation.ValidParty("seller", req.Seller),
		validation.MaxLength("listingId", req.ListingID, validation.MaxIDLength),
		validation.MaxLength("paymentReference", req.PaymentReference, validation.MaxReferenceLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Verify the caller is the buyer
	if actor.Role != RoleBuyer || NormalizeParty(req.Buyer) != actor.Party {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}

	tx, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": tx})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// ListEscrows handles GET /v1/parties/:party/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxListLimit)
		}
	}

	page, err := h.service.ListByParty(c.Request.Context(), c.Param("party"), limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Escrows,
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetStats handles GET /v1/escrow/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ConfirmPayment handles POST /v1/escrow/:id/payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req paymentRequest
	actor, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if !checkLength(c, "paymentReference", req.PaymentReference, validation.MaxReferenceLength) {
		return
	}
	h.respond(c)(h.service.ConfirmPayment(c.Request.Context(), c.Param("id"), actor, req.PaymentReference))
}

// DeliverGoods handles POST /v1/escrow/:id/deliver
func (h *Handler) DeliverGoods(c *gin.Context) {
	var req deliverRequest
	actor, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if !checkLength(c, "deliveryPayload", req.DeliveryPayload, validation.MaxPayloadLength) {
		return
	}
	h.respond(c)(h.service.DeliverGoods(c.Request.Context(), c.Param("id"), actor, req.DeliveryPayload))
}

// ConfirmReceipt handles POST /v1/escrow/:id/confirm. The body is optional.
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var conf *Confirmation
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		var req confirmRequest
		err := c.ShouldBindJSON(&req)
		switch {
		case errors.Is(err, io.EOF):
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		default:
			if !checkLength(c, "feedback", req.Feedback, validation.MaxNoteLength) {
				return
			}
			conf = &Confirmation{Rating: req.Rating, Feedback: validation.SanitizeString(req.Feedback, validation.MaxNoteLength)}
		}
	}
	h.respond(c)(h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), actor, conf))
}

// RaiseDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req disputeRequest
	actor, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if !checkLength(c, "reason", req.Reason, validation.MaxNoteLength) {
		return
	}
	h.respond(c)(h.service.RaiseDispute(c.Request.Context(), c.Param("id"), actor, validation.SanitizeString(req.Reason, validation.MaxNoteLength)))
}

// ReleaseFunds handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req releaseRequest
	actor, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if !checkLength(c, "settlementReference", req.SettlementReference, validation.MaxReferenceLength) {
		return
	}
	h.respond(c)(h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), actor, req.SettlementReference))
}

// ResolveDispute handles POST /v1/escrow/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	actor, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if !checkLength(c, "settlementReference", req.SettlementReference, validation.MaxReferenceLength) ||
		!checkLength(c, "note", req.Note, validation.MaxNoteLength) {
		return
	}
	h.respond(c)(h.service.ResolveDispute(c.Request.Context(), c.Param("id"), actor, req))
}

// actor resolves the caller from identity headers, writing a 401/403 and
// returning false if they are missing or not acceptable.
func (h *Handler) actor(c *gin.Context) (Actor, bool) {
	party := NormalizeParty(c.GetHeader(HeaderParty))
	role := Role(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderRole))))

	if party == "" || role == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "X-Party and X-Role headers are required",
		})
		return Actor{}, false
	}
	if !validation.IsValidParty(party) || !role.Valid() || role == RoleSystem {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Unknown caller role or malformed party",
		})
		return Actor{}, false
	}
	if role == RoleCustodyAgent && h.adminSecret != "" {
		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Custody agent credentials required",
			})
			return Actor{}, false
		}
	}

	c.Request = c.Request.WithContext(logging.WithParty(c.Request.Context(), party))
	return Actor{Role: role, Party: party}, true
}

func (h *Handler) bind(c *gin.Context, req any) (Actor, bool) {
	actor, ok := h.actor(c)
	if !ok {
		return Actor{}, false
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return Actor{}, false
	}
	return actor, true
}

func (h *Handler) respond(c *gin.Context) func(*Transaction, error) {
	return func(tx *Transaction, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": tx})
	}
}

func checkLength(c *gin.Context, field, value string, max int) bool {
	if errs := validation.Validate(validation.MaxLength(field, value, max)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"field":   field,
		})
		return false
	}
	return true
}

// writeError maps escrow errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var e *Error
	if errors.As(err, &e) {
		status := http.StatusConflict
		switch e.Kind {
		case KindNotFound:
			status = http.StatusNotFound
		case KindMissingPayload:
			status = http.StatusBadRequest
		case KindContention:
			status = http.StatusServiceUnavailable
		}
		body := gin.H{"error": string(e.Kind), "message": e.Error()}
		if e.Field != "" {
			body["field"] = e.Field
		}
		if e.Status != "" {
			body["status"] = e.Status
		}
		c.JSON(status, body)
		return
	}

	switch {
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_unavailable", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
