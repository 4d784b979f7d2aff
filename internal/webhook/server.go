// Package webhook receives payment-completion callbacks from the payment gateway.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	claimsContextKey = "payment_claims"
	bearerPrefix     = "Bearer "
	shutdownTimeout  = 5 * time.Second
)

var completedStatuses = map[string]struct{}{
	"completed": {},
	"paid":      {},
	"succeeded": {},
}

// PurchaseCompleter applies a completed payment to the ledger.
type PurchaseCompleter interface {
	CompletePurchase(ctx context.Context, paymentReference credits.PaymentReference) (bool, error)
}

// Config holds the webhook authentication and throttling settings.
type Config struct {
	ListenAddr    string
	SigningKey    []byte
	Issuer        string
	RatePerSecond float64
	Burst         int
}

func (cfg Config) validate() error {
	if len(cfg.SigningKey) == 0 {
		return errors.New("webhook signing key is required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return errors.New("webhook issuer is required")
	}
	if cfg.RatePerSecond <= 0 || cfg.Burst <= 0 {
		return errors.New("webhook rate limit must be positive")
	}
	return nil
}

// Run serves the webhook router until ctx is cancelled.
func Run(ctx context.Context, cfg Config, completer PurchaseCompleter, logger *zap.Logger) error {
	router, err := NewRouter(cfg, completer, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("payment webhook listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("webhook shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine serving /healthz and /webhooks/payments.
func NewRouter(cfg Config, completer PurchaseCompleter, logger *zap.Logger) (*gin.Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if completer == nil {
		return nil, errors.New("purchase completer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &paymentHandler{completer: completer, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := router.Group("/webhooks")
	webhooks.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)))
	webhooks.Use(signatureMiddleware(cfg.SigningKey, cfg.Issuer))
	webhooks.POST("/payments", handler.handlePayment)
	return router, nil
}

type paymentHandler struct {
	completer PurchaseCompleter
	logger    *zap.Logger
}

type paymentEvent struct {
	PaymentReference string `json:"payment_reference" binding:"required"`
	Status           string `json:"status" binding:"required"`
}

func (handler *paymentHandler) handlePayment(ctx *gin.Context) {
	var event paymentEvent
	if err := ctx.ShouldBindJSON(&event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected payment_reference and status"))
		return
	}
	reference, err := credits.NewPaymentReference(event.PaymentReference)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment_reference", err.Error()))
		return
	}
	if claims := getClaims(ctx); claims != nil && claims.Subject != "" && claims.Subject != reference.String() {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject does not match payment reference"))
		return
	}
	if _, ok := completedStatuses[strings.ToLower(strings.TrimSpace(event.Status))]; !ok {
		handler.logger.Info("payment event ignored", zap.String("payment_reference", reference.String()), zap.String("status", event.Status))
		ctx.JSON(http.StatusOK, gin.H{"applied": false, "ignored": true})
		return
	}

	applied, err := handler.completer.CompletePurchase(ctx.Request.Context(), reference)
	if err != nil {
		if credits.IsTransient(err) {
			handler.logger.Warn("purchase completion retryable", zap.String("payment_reference", reference.String()), zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "retry later"))
			return
		}
		handler.logger.Error("purchase completion failed", zap.String("payment_reference", reference.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "completion failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"applied": applied})
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.Allow() {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}

func signatureMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(strings.TrimPrefix(header, bearerPrefix), claims, func(token *jwt.Token) (any, error) {
			return signingKey, nil
		})
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", fmt.Sprintf("invalid token: %v", err)))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *jwt.RegisteredClaims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*jwt.RegisteredClaims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
