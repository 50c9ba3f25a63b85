package httpgin

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/tix-saga/internal/domain"
	redisrepo "github.com/kirinyoku/tix-saga/internal/repository/redis"
	"github.com/kirinyoku/tix-saga/internal/service/catalog"
	"github.com/kirinyoku/tix-saga/internal/service/query"
	"github.com/kirinyoku/tix-saga/internal/service/saga"
	"github.com/kirinyoku/tix-saga/internal/uow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

type SagaService interface {
	Reserve(ctx context.Context, eventID int64, userID string, quantity int) (string, error)
	Resolve(ctx context.Context, requestID string, valid bool, groupID int) (saga.Outcome, error)
}

type QueryService interface {
	GetEvent(ctx context.Context, id int64) (*domain.Event, error)
	ListEvents(ctx context.Context, page, count int) ([]domain.Event, error)
	ListUserTickets(ctx context.Context, userID string, status *domain.TicketStatus) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, requestID string) (*domain.Ticket, error)
}

type CatalogService interface {
	CreateEvent(ctx context.Context, name string, price decimal.Decimal, capacity int) (int64, error)
}

type IdempotencyStore interface {
	AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	SaveResult(ctx context.Context, key string, jsonPayload string) error
	GetResult(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type Services struct {
	Saga    SagaService
	Query   QueryService
	Catalog CatalogService
}

// Options are the optional collaborators of the router. A nil Idempotency
// disables Idempotency-Key handling; a nil Gatherer hides /metrics.
type Options struct {
	Idempotency IdempotencyStore
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

const idemLockTTL = 60 * time.Second

func NewRouter(svcs Services, opts Options, middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r.Use(gin.Recovery(), LoggingMiddleware(log), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	// Public API
	r.GET("/events", handleListEvents(svcs.Query))
	r.GET("/events/:id", handleGetEvent(svcs.Query))
	r.POST("/events/buy", handleBuyTicket(svcs.Saga, opts.Idempotency, log))

	r.GET("/tickets", handleListTickets(svcs.Query))
	r.GET("/tickets/:request_id", handleGetTicket(svcs.Query))

	// Validation authority callback
	r.POST("/validations", handleValidationCallback(svcs.Saga))

	// Admin-API
	// TODO: add admin middleware
	admin := r.Group("/admin")
	{
		admin.POST("/events", handleCreateEvent(svcs.Catalog))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  List events
// @Param    page   query  int  false  "1-based page"
// @Param    count  query  int  false  "page size"
// @Success  200  {array}   domain.Event
// @Router   /events [get]
func handleListEvents(q QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := parseIntDefault(c.Query("page"), 1)
		count := parseIntDefault(c.Query("count"), 0)

		events, err := q.ListEvents(c.Request.Context(), page, count)
		if err != nil {
			respondErr(c, err)
			return
		}
		if events == nil {
			events = []domain.Event{}
		}

		writeJSONWithCache(c, http.StatusOK, events, "public, max-age=15", true)
	}
}

// @Summary  Get event
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  domain.Event
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(q QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		e, err := q.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithCache(c, http.StatusOK, e, "public, max-age=15", true)
	}
}

// @Summary  Buy tickets (idempotent)
// @Description Places a hold and returns the request ID. The ticket stays
// @Description pending until the validation callback arrives.
// @Param    Idempotency-Key  header  string            false  "client key"
// @Param    req              body    BuyTicketRequest  true   "payload"
// @Success  202 {object} BuyTicketResponse
// @Failure  400 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse "event not found"
// @Failure  409 {object} ErrorResponse "sold out / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Failure  503 {object} ErrorResponse "contention, retry"
// @Router   /events/buy [post]
func handleBuyTicket(s SagaService, idem IdempotencyStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BuyTicketRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemBuy(strings.TrimSpace(req.UserID), idemKey)

			if replayIdempotent(c, idem, idemStorageKey, idemKey) {
				return
			}

			locked, err := idem.AcquireLock(ctx, idemStorageKey, idemLockTTL)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if replayIdempotent(c, idem, idemStorageKey, idemKey) {
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		requestID, err := s.Reserve(ctx, req.EventID, req.UserID, req.Quantity)
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Release(ctx, idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := BuyTicketResponse{RequestID: requestID}

		if idemStorageKey != "" {
			// The hold is committed; the replay record must not depend on
			// the client staying connected.
			b, _ := json.Marshal(resp)
			if err := idem.SaveResult(context.WithoutCancel(ctx), idemStorageKey, string(b)); err != nil {
				log.Warn("save idempotent result failed",
					zap.String("idempotency_key", idemKey),
					zap.String("request_id", requestID),
					zap.Error(err),
				)
			}
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusAccepted, resp)
	}
}

// @Summary  Validation callback
// @Description Applies the validation authority's verdict. Repeated
// @Description callbacks for a finished ticket are acknowledged with
// @Description outcome already_terminal.
// @Param    req body  ValidationCallbackRequest true "payload"
// @Success  200 {object} ValidationCallbackResponse
// @Failure  404 {object} ErrorResponse "unknown request"
// @Failure  409 {object} ErrorResponse "oversold"
// @Failure  503 {object} ErrorResponse "contention, retry"
// @Router   /validations [post]
func handleValidationCallback(s SagaService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ValidationCallbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		outcome, err := s.Resolve(c.Request.Context(), req.RequestID, *req.Valid, req.GroupID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, ValidationCallbackResponse{
			RequestID: req.RequestID,
			Outcome:   string(outcome),
		})
	}
}

// @Summary  List a user's tickets
// @Param    user_id  query  string  true   "User ID"
// @Param    status   query  string  false  "pending | confirmed | rejected"
// @Success  200 {array}  domain.Ticket
// @Failure  400 {object} ErrorResponse
// @Router   /tickets [get]
func handleListTickets(q QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var status *domain.TicketStatus
		if raw := c.Query("status"); raw != "" {
			st, err := domain.ParseTicketStatus(raw)
			if err != nil {
				badRequest(c, "invalid status")
				return
			}
			status = &st
		}

		tickets, err := q.ListUserTickets(c.Request.Context(), c.Query("user_id"), status)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, tickets)
	}
}

// @Summary  Get ticket by request ID
// @Param    request_id  path  string  true  "Request ID (uuid)"
// @Success  200 {object} domain.Ticket
// @Failure  404 {object} ErrorResponse
// @Router   /tickets/{request_id} [get]
func handleGetTicket(q QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := q.GetTicket(c.Request.Context(), c.Param("request_id"))
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, t)
	}
}

// @Summary  Create event
// @Param    req body  CreateEventRequest true "payload"
// @Success  201 {object} CreateEventResponse
// @Failure  400 {object} ErrorResponse
// @Router   /admin/events [post]
func handleCreateEvent(cat CatalogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		id, err := cat.CreateEvent(c.Request.Context(), req.Name, req.Price, req.Capacity)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, CreateEventResponse{EventID: id})
	}
}

// --- Helpers ---

// replayIdempotent writes a saved response for key if there is one.
func replayIdempotent(c *gin.Context, idem IdempotencyStore, key, idemKey string) bool {
	payload, ok, _ := idem.GetResult(c.Request.Context(), key)
	if !ok {
		return false
	}

	c.Header("Idempotency-Key", idemKey)
	c.Data(http.StatusAccepted, "application/json; charset=utf-8", []byte(payload))
	return true
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rl *saga.RateLimitedError

	switch {
	// saga service
	case errors.As(err, &rl):
		c.Header("Retry-After", retryAfterSeconds(rl.RetryAfter))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.Is(err, saga.ErrRateLimited):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
	case errors.Is(err, saga.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "quantity must be positive"})
	case errors.Is(err, saga.ErrInvalidUser):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user_id is required"})
	case errors.Is(err, saga.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, saga.ErrSoldOut):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "sold out"})
	case errors.Is(err, saga.ErrOversold):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "inventory exhausted"})
	// query service
	case errors.Is(err, query.ErrEventNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event not found"})
	case errors.Is(err, query.ErrTicketNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket not found"})
	case errors.Is(err, query.ErrUserRequired):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user_id is required"})
	case errors.Is(err, uow.ErrContention):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "busy, retry"})
	// catalog service
	case errors.Is(err, catalog.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event"})
	case errors.Is(err, catalog.ErrEventConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "event conflict"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
