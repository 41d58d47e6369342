package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/revoledger/internal/generation"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/content"
	"github.com/MarkoPoloResearchLab/revoledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	shutdownTimeout       = 5 * time.Second
	maxWebhookBodyBytes   = 1 << 16
)

var ErrMissingDependency = errors.New("missing http dependency")

// LedgerService is the ledger surface served over HTTP.
type LedgerService interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Grant(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.Balance, error)
	Consume(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON) (ledger.Balance, error)
	ListTransactions(ctx context.Context, userID ledger.UserID, beforeSequence int64, limit int) ([]ledger.CreditTransaction, error)
	Replay(ctx context.Context, userID ledger.UserID) (ledger.ReplayReport, error)
}

// PaymentReconciler records payment events.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, event ledger.PaymentEvent) (ledger.ReconcileResult, error)
	RecordPending(ctx context.Context, event ledger.PaymentEvent) (ledger.PaymentTransaction, error)
	FindPayment(ctx context.Context, sessionID ledger.ExternalID, paymentIntentID ledger.ExternalID) (ledger.PaymentTransaction, bool, error)
}

// ContentInserter stores generated content once per key.
type ContentInserter interface {
	InsertIfNew(ctx context.Context, userID ledger.UserID, platform content.Platform, text content.Text, metadata ledger.MetadataJSON) (content.InsertResult, error)
}

// GenerationCharger prices and debits one generation.
type GenerationCharger interface {
	Charge(ctx context.Context, userID ledger.UserID, version string, platform string) (generation.Charge, error)
}

// Config holds the HTTP-facing settings.
type Config struct {
	AllowedOrigins      []string
	APIToken            string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	RequestTimeout      time.Duration
	Plans               map[string]int64
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Dependencies are the services the router dispatches to.
type Dependencies struct {
	Ledger       LedgerService
	Reconciler   PaymentReconciler
	Deduplicator ContentInserter
	Charger      GenerationCharger
	Logger       *zap.Logger
	Now          func() time.Time
}

type httpHandler struct {
	cfg          Config
	ledger       LedgerService
	reconciler   PaymentReconciler
	deduplicator ContentInserter
	charger      GenerationCharger
	logger       *zap.Logger
	now          func() time.Time
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Ledger == nil || deps.Reconciler == nil || deps.Deduplicator == nil || deps.Charger == nil {
		return nil, ErrMissingDependency
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Plans == nil {
		cfg.Plans = map[string]int64{}
	}
	handler := &httpHandler{
		cfg:          cfg,
		ledger:       deps.Ledger,
		reconciler:   deps.Reconciler,
		deduplicator: deps.Deduplicator,
		charger:      deps.Charger,
		logger:       deps.Logger,
		now:          deps.Now,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, "route not found"))
	})

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/api/webhooks/stripe", handler.withTimeout, handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(bearerAuth(cfg.APIToken), handler.withTimeout)

	users := api.Group("/users/:user_id")
	users.GET("/credits", handler.handleBalance)
	users.POST("/grants", handler.handleGrant)
	users.POST("/consume", handler.handleConsume)
	users.GET("/transactions", handler.handleTransactions)
	users.GET("/replay", handler.handleReplay)
	users.POST("/generations", handler.handleGeneration)
	users.POST("/content", handler.handleContent)

	api.POST("/payments/reconcile", handler.handleReconcile)

	return router, nil
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("revoledger http listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	}
}

func (handler *httpHandler) withTimeout(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	ctx.Request = ctx.Request.WithContext(requestCtx)
	ctx.Next()
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(status, errorResponse(code, http.StatusText(status)))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}
