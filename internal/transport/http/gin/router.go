package httpgin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/kirinyoku/railgo/internal/domain"
	redisrepo "github.com/kirinyoku/railgo/internal/repository/redis"
	"github.com/kirinyoku/railgo/internal/service"
	"github.com/kirinyoku/railgo/internal/service/account"
	"github.com/kirinyoku/railgo/internal/service/admin"
	"github.com/kirinyoku/railgo/internal/service/orders"
	"github.com/kirinyoku/railgo/internal/service/query"
	"github.com/kirinyoku/railgo/internal/service/reservation"
)

const idemLockTTL = 60 * time.Second

func NewRouter(
	svcs *service.Services,
	tokens TokenParser,
	idem *redisrepo.IdempotencyStore,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(logger), CORS())
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

	// Accounts
	r.POST("/register", handleRegister(svcs))
	r.POST("/login", handleLogin(svcs))

	// Catalog
	r.GET("/trains", handleSearchTrains(svcs))
	r.GET("/trains/:id", handleGetTrain(svcs))
	r.GET("/trains/:id/availability", handleGetAvailability(svcs))
	r.POST("/trains", AdminAccess(tokens, svcs.Account.ValidAPIKey), handleCreateTrain(svcs))

	// Bookings
	bookings := r.Group("/bookings", Authenticate(tokens))
	{
		bookings.POST("", handleBook(svcs, idem))
		bookings.GET("", handleListBookings(svcs))
		bookings.GET("/:id", handleGetBooking(svcs))
		bookings.DELETE("/:id", handleCancelBooking(svcs))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  Register a user
// @Param    X-API-Key  header  string           false  "required for the admin role"
// @Param    req        body    RegisterRequest  true   "payload"
// @Success  201  {object}  UserResponse
// @Failure  400  {object}  ErrorResponse
// @Failure  403  {object}  ErrorResponse
// @Failure  409  {object}  ErrorResponse "username taken"
// @Router   /register [post]
func handleRegister(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		u, err := svcs.Account.Register(
			c.Request.Context(),
			req.Username,
			req.Password,
			req.Role,
			c.GetHeader(headerAPIKey),
		)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, newUserResponse(u))
	}
}

// @Summary  Log in
// @Param    req  body  LoginRequest  true  "payload"
// @Success  200  {object}  LoginResponse
// @Failure  401  {object}  ErrorResponse
// @Router   /login [post]
func handleLogin(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		s, err := svcs.Account.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     s.Token,
			ExpiresAt: s.ExpiresAt,
			UserID:    s.User.ID,
			Role:      s.User.Role,
		})
	}
}

// @Summary  Search trains
// @Param    source       query  string  false  "departure station"
// @Param    destination  query  string  false  "arrival station"
// @Param    limit        query  int     false  "page size"
// @Param    offset       query  int     false  "offset"
// @Success  200  {array}  domain.Train
// @Router   /trains [get]
func handleSearchTrains(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		trains, err := svcs.Query.SearchTrains(c.Request.Context(), domain.TrainFilter{
			Source:      strings.TrimSpace(c.Query("source")),
			Destination: strings.TrimSpace(c.Query("destination")),
			Limit:       parseIntDefault(c.Query("limit"), 0),
			Offset:      parseIntDefault(c.Query("offset"), 0),
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		writeJSONWithETag(c, http.StatusOK, trains, "no-cache")
	}
}

// @Summary  Get train
// @Param    id  path  int  true  "Train ID"
// @Success  200  {object}  domain.Train
// @Failure  404  {object}  ErrorResponse
// @Router   /trains/{id} [get]
func handleGetTrain(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		trainID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		t, err := svcs.Query.GetTrain(c.Request.Context(), trainID)
		if err != nil {
			respondErr(c, err)
			return
		}

		// Seat counts change often; clients revalidate with the ETag.
		writeJSONWithETag(c, http.StatusOK, t, "no-cache")
	}
}

// @Summary  Get seat availability snapshot
// @Param    id  path  int  true  "Train ID"
// @Success  200  {object}  domain.Availability
// @Failure  404  {object}  ErrorResponse
// @Router   /trains/{id}/availability [get]
func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		trainID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		a, err := svcs.Query.Availability(c.Request.Context(), trainID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, a)
	}
}

// @Summary  Add a train
// @Param    X-API-Key  header  string              false  "admin api key, or send an admin token"
// @Param    req        body    CreateTrainRequest  true   "payload"
// @Success  201  {object}  domain.Train
// @Failure  400  {object}  ErrorResponse
// @Failure  401  {object}  ErrorResponse
// @Failure  403  {object}  ErrorResponse
// @Router   /trains [post]
func handleCreateTrain(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTrainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		t, err := svcs.Admin.CreateTrain(c.Request.Context(), domain.Train{
			Name:        req.Name,
			Source:      req.Source,
			Destination: req.Destination,
			TotalSeats:  req.TotalSeats,
		})
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, t)
	}
}

// @Summary  Book a seat (idempotent)
// @Param    Authorization    header  string       true   "Bearer token"
// @Param    Idempotency-Key  header  string       false  "replays the first response"
// @Param    req              body    BookRequest  true   "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201  {object}  BookingResponse
// @Failure  400  {object}  ErrorResponse
// @Failure  404  {object}  ErrorResponse "train not found"
// @Failure  409  {object}  ErrorResponse "sold out / idem in progress"
// @Failure  422  {object}  ErrorResponse "idempotency key reused"
// @Failure  429  {object}  ErrorResponse "rate limited"
// @Failure  503  {object}  ErrorResponse "busy, retry later"
// @Router   /bookings [post]
func handleBook(svcs *service.Services, idem *redisrepo.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := identity(c)

		var req BookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey, fingerprint string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemBooking(id.UserID, idemKey)
			fingerprint = bookFingerprint(req)

			state, rec, err := idem.Begin(c.Request.Context(), idemStorageKey, fingerprint, idemLockTTL)
			if err != nil {
				respondErr(c, err)
				return
			}

			c.Header("Idempotency-Key", idemKey)

			switch state {
			case redisrepo.IdemReplay:
				c.Data(rec.Status, "application/json; charset=utf-8", rec.Body)
				return
			case redisrepo.IdemInFlight:
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			case redisrepo.IdemMismatch:
				c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "idempotency key reused with a different request"})
				return
			}
		}

		receipt, err := svcs.Reservation.Book(
			c.Request.Context(),
			id.UserID,
			req.TrainID,
			req.SeatNumber,
		)
		if err != nil {
			if idemStorageKey != "" {
				_ = idem.Abort(context.WithoutCancel(c.Request.Context()), idemStorageKey, fingerprint)
			}
			respondErr(c, err)
			return
		}

		resp := newBookingResponse(receipt)

		if idemStorageKey != "" {
			if b, err := json.Marshal(resp); err == nil {
				_ = idem.Complete(context.WithoutCancel(c.Request.Context()), idemStorageKey, fingerprint, http.StatusCreated, b)
			}
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary  List own bookings
// @Param    Authorization  header  string  true   "Bearer token"
// @Param    limit          query   int     false  "page size"
// @Param    offset         query   int     false  "offset"
// @Success  200  {array}  domain.Booking
// @Router   /bookings [get]
func handleListBookings(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := identity(c)

		out, err := svcs.Orders.ListBookings(
			c.Request.Context(),
			id.UserID,
			parseIntDefault(c.Query("limit"), 0),
			parseIntDefault(c.Query("offset"), 0),
		)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, out)
	}
}

// @Summary  Get own booking
// @Param    Authorization  header  string  true  "Bearer token"
// @Param    id             path    string  true  "Booking ID (uuid)"
// @Success  200  {object}  domain.Booking
// @Failure  404  {object}  ErrorResponse
// @Router   /bookings/{id} [get]
func handleGetBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := identity(c)

		bookingID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		b, err := svcs.Orders.GetBooking(c.Request.Context(), id.UserID, bookingID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, b)
	}
}

// @Summary  Cancel own booking
// @Param    Authorization  header  string  true  "Bearer token"
// @Param    id             path    string  true  "Booking ID (uuid)"
// @Success  200  {object}  domain.Booking
// @Failure  404  {object}  ErrorResponse
// @Router   /bookings/{id} [delete]
func handleCancelBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := identity(c)

		bookingID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}

		b, err := svcs.Reservation.Cancel(c.Request.Context(), id.UserID, bookingID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, b)
	}
}

// --- Helpers ---

// bookFingerprint identifies a booking request body for idempotency checks.
func bookFingerprint(req BookRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", req.TrainID, req.SeatNumber)))
	return hex.EncodeToString(sum[:])
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
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

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	var rateLimited reservation.RateLimitedError

	switch {
	// account service
	case errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidRole):
		badRequest(c, rootMessage(err))
	case errors.Is(err, account.ErrAdminKeyRequired):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "admin registration requires a valid api key"})
	case errors.Is(err, account.ErrUsernameTaken):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "username already taken"})
	case errors.Is(err, account.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
	// admin service
	case errors.Is(err, admin.ErrInvalidTrain),
		errors.Is(err, admin.ErrInvalidCapacity):
		badRequest(c, rootMessage(err))
	// query service
	case errors.Is(err, query.ErrTrainNotFound),
		errors.Is(err, reservation.ErrTrainNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "train not found"})
	// reservation service
	case errors.Is(err, reservation.ErrNoSeatsAvailable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "no seats available"})
	case errors.Is(err, reservation.ErrInvalidSeat):
		badRequest(c, "seat number out of range")
	case errors.Is(err, reservation.ErrBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "train is busy, retry later"})
	case errors.As(err, &rateLimited):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rateLimited.RetryAfter)))
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many bookings"})
	case errors.Is(err, reservation.ErrBookingNotFound),
		errors.Is(err, orders.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// rootMessage returns the text of the innermost wrapped error.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
