package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modaworks/tryon/internal/billing"
	"github.com/modaworks/tryon/internal/tryon"
	"github.com/modaworks/tryon/internal/wallet"
	"github.com/modaworks/tryon/pkg/ledger"
)

// Orchestrator is the job-facing surface the API exposes.
type Orchestrator interface {
	Request(ctx context.Context, tenantID string, customerID string, params tryon.Params) (string, error)
	MarkProcessing(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, outcome tryon.Outcome) error
}

// Jobs reads durable job records.
type Jobs interface {
	GetJob(ctx context.Context, jobID string) (tryon.Job, error)
}

// Ledger is the tenant balance surface the API exposes.
type Ledger interface {
	Balance(ctx context.Context, tenantID ledger.TenantID) (ledger.Account, error)
	Grant(ctx context.Context, tenantID ledger.TenantID, amount ledger.Credits, metadata ledger.MetadataJSON) error
}

// Wallets is the customer wallet surface the API exposes.
type Wallets interface {
	Get(ctx context.Context, customerID string) (wallet.Wallet, error)
	Accrue(ctx context.Context, customerID string, amount int64) error
}

// Server is the HTTP façade over the orchestrator and balances.
type Server struct {
	cfg          Config
	logger       *zap.Logger
	orchestrator Orchestrator
	jobs         Jobs
	ledger       Ledger
	wallets      Wallets
}

// NewServer validates configuration and wires the HTTP façade.
func NewServer(cfg Config, orchestrator Orchestrator, jobs Jobs, ledgerService Ledger, wallets Wallets, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if orchestrator == nil || jobs == nil || ledgerService == nil || wallets == nil {
		return nil, errors.New("httpapi: nil dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		orchestrator: orchestrator,
		jobs:         jobs,
		ledger:       ledgerService,
		wallets:      wallets,
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	router := server.setupRouter()

	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/tryon", server.handleTryOn)
	api.GET("/jobs/:id", server.handleGetJob)
	api.POST("/jobs/:id/processing", server.handleProcessing)
	api.POST("/jobs/:id/complete", server.handleComplete)
	api.GET("/tenants/:id/balance", server.handleBalance)
	api.POST("/tenants/:id/grant", server.handleGrant)
	api.GET("/customers/:id/wallet", server.handleWallet)
	api.POST("/customers/:id/accrue", server.handleAccrue)

	return router
}

type tryOnRequest struct {
	TenantID        string            `json:"tenant_id"`
	CustomerID      string            `json:"customer_id"`
	ProductID       string            `json:"product_id"`
	PersonImageRef  string            `json:"person_image_ref"`
	GarmentImageRef string            `json:"garment_image_ref"`
	SceneID         string            `json:"scene_id"`
	Options         map[string]string `json:"options"`
}

func (server *Server) handleTryOn(ctx *gin.Context) {
	var request tryOnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	params, err := tryon.NewParams(request.ProductID, request.PersonImageRef, request.GarmentImageRef, request.SceneID, request.Options)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_params", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	jobID, err := server.orchestrator.Request(requestCtx, request.TenantID, request.CustomerID, params)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "tenant has no spendable credits"))
		case errors.Is(err, ledger.ErrInvalidTenantID):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tenant", err.Error()))
		case errors.Is(err, billing.ErrUnknownTenant):
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_tenant", "tenant not found"))
		default:
			server.logger.Error("try-on request failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed, try again"))
		}
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": tryon.JobStatusPending.String()})
}

func (server *Server) handleGetJob(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	job, err := server.jobs.GetJob(requestCtx, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, tryon.ErrUnknownJob) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "job not found"))
			return
		}
		server.logger.Error("job lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "job lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, jobPayload(job))
}

func (server *Server) handleProcessing(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if err := server.orchestrator.MarkProcessing(requestCtx, ctx.Param("id")); err != nil {
		if errors.Is(err, tryon.ErrUnknownJob) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "job not found"))
			return
		}
		server.logger.Error("mark processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "mark processing failed"))
		return
	}
	ctx.Status(http.StatusNoContent)
}

type completeRequest struct {
	Success        bool     `json:"success"`
	ImageRefs      []string `json:"image_refs"`
	CostCredits    int64    `json:"cost_credits"`
	DurationMillis int64    `json:"duration_millis"`
	ErrorSummary   string   `json:"error_summary"`
}

func (server *Server) handleComplete(ctx *gin.Context) {
	var request completeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome := tryon.Outcome{
		Success:      request.Success,
		ErrorSummary: request.ErrorSummary,
	}
	if request.Success {
		outcome.Result = &tryon.Result{
			ImageRefs:      request.ImageRefs,
			CostCredits:    request.CostCredits,
			DurationMillis: request.DurationMillis,
		}
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if err := server.orchestrator.Complete(requestCtx, ctx.Param("id"), outcome); err != nil {
		if errors.Is(err, tryon.ErrUnknownJob) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "job not found"))
			return
		}
		server.logger.Error("job completion failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "completion failed"))
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	tenantID, err := ledger.NewTenantID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tenant", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	account, err := server.ledger.Balance(requestCtx, tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_tenant", "tenant not found"))
			return
		}
		server.logger.Error("balance lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "balance lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"tenant_id":       account.TenantID,
		"credits_balance": int64(account.CreditsBalance),
		"overdraft_limit": int64(account.OverdraftLimit),
		"spendable":       int64(account.Spendable()),
		"sandbox_mode":    account.SandboxMode,
	})
}

type grantRequest struct {
	Amount   int64          `json:"amount"`
	Metadata map[string]any `json:"metadata"`
}

func (server *Server) handleGrant(ctx *gin.Context) {
	tenantID, err := ledger.NewTenantID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_tenant", err.Error()))
		return
	}
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	metadata, err := ledger.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if err := server.ledger.Grant(requestCtx, tenantID, ledger.Credits(request.Amount), metadata); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidCredits):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		case errors.Is(err, ledger.ErrUnknownAccount):
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_tenant", "tenant not found"))
		default:
			server.logger.Error("grant failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "grant failed"))
		}
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (server *Server) handleWallet(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	customerWallet, err := server.wallets.Get(requestCtx, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, wallet.ErrUnknownWallet) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_customer", "wallet not found"))
			return
		}
		server.logger.Error("wallet lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"customer_id":          customerWallet.CustomerID,
		"bonus_credits":        customerWallet.BonusCredits,
		"accumulated_lifetime": customerWallet.AccumulatedLifetime,
		"vip_active":           customerWallet.VIPActive,
		"vip_expires_unix_utc": customerWallet.VIPExpiresUnixUTC,
	})
}

type accrueRequest struct {
	Amount int64 `json:"amount"`
}

func (server *Server) handleAccrue(ctx *gin.Context) {
	var request accrueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if err := server.wallets.Accrue(requestCtx, ctx.Param("id"), request.Amount); err != nil {
		switch {
		case errors.Is(err, wallet.ErrInvalidBonusAmount):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		case errors.Is(err, wallet.ErrUnknownWallet):
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_customer", "wallet not found"))
		default:
			server.logger.Error("accrue failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "accrue failed"))
		}
		return
	}
	ctx.Status(http.StatusNoContent)
}

func jobPayload(job tryon.Job) gin.H {
	payload := gin.H{
		"job_id":           job.JobID,
		"tenant_id":        job.TenantID,
		"status":           job.Status.String(),
		"charge_source":    job.ChargeSource.String(),
		"created_unix_utc": job.CreatedUnixUTC,
	}
	if job.CustomerID != "" {
		payload["customer_id"] = job.CustomerID
	}
	if job.ReservationID != "" {
		payload["reservation_id"] = job.ReservationID
	}
	if job.Result != nil {
		payload["result"] = gin.H{
			"image_refs":      job.Result.ImageRefs,
			"cost_credits":    job.Result.CostCredits,
			"duration_millis": job.Result.DurationMillis,
		}
	}
	if job.ErrorSummary != "" {
		payload["error_summary"] = job.ErrorSummary
	}
	return payload
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
