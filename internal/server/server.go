package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/complykit/complykit/internal/assessment"
	assessmentdomain "github.com/complykit/complykit/internal/assessment/domain"
	"github.com/complykit/complykit/internal/config"
	"github.com/complykit/complykit/internal/credit"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	"github.com/complykit/complykit/internal/identity"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/internal/observability"
	"github.com/complykit/complykit/internal/observability/logger"
	"github.com/complykit/complykit/internal/observability/metrics"
	"github.com/complykit/complykit/internal/payment"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
	"github.com/complykit/complykit/internal/ratelimit"
)

// Module assembles the HTTP surface on top of the feature modules.
var Module = fx.Module("http.server",
	identity.Module,
	credit.Module,
	payment.Module,
	assessment.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Log         *zap.Logger
	ObsConfig   observability.Config
	HTTPMetrics *metrics.HTTPMetrics `optional:"true"`
}

// NewEngine builds the gin engine with the shared middleware stack.
// Handler errors are rendered by ErrorHandlingMiddleware, so handlers
// only ever call AbortWithError.
func NewEngine(p EngineParams) *gin.Engine {
	if !p.ObsConfig.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Debug:           p.ObsConfig.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	engine.Use(metrics.GinMiddleware(p.HTTPMetrics))
	engine.Use(ErrorHandlingMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

type ServerParams struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	Engine     *gin.Engine
	Packs      *config.PackTableHolder
	Identity   identitydomain.Service
	Credits    creditdomain.Service
	Payments   paymentdomain.Service
	Assessment assessmentdomain.Service
	Limiter    *ratelimit.TokenBucket `optional:"true"`
}

// Server owns route registration.
type Server struct {
	log        *zap.Logger
	cfg        config.Config
	packs      *config.PackTableHolder
	identity   identitydomain.Service
	credits    creditdomain.Service
	payments   paymentdomain.Service
	assessment assessmentdomain.Service
	limiter    *ratelimit.TokenBucket
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		log:        p.Log.Named("server"),
		cfg:        p.Config,
		packs:      p.Packs,
		identity:   p.Identity,
		credits:    p.Credits,
		payments:   p.Payments,
		assessment: p.Assessment,
		limiter:    p.Limiter,
	}
	s.registerRoutes(p.Engine)
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.POST("/run", s.rateLimitRun(), s.RunAssessment)

	billing := engine.Group("/billing")
	{
		billing.GET("/me", s.GetBillingMe)
		billing.GET("/credits", s.GetCreditState)
		billing.POST("/checkout-session", s.CreateCheckoutSession)
		billing.POST("/portal-session", s.CreatePortalSession)
	}

	engine.POST("/api/payments/webhooks/stripe", s.HandleStripeWebhook)
}

// Assessment runs are the only expensive route; one request per second
// with a small burst per caller is enough for an interactive UI.
const (
	runRatePerSecond = 1.0
	runBurst         = 5
)

func (s *Server) rateLimitRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		key := c.GetHeader("X-User-Subject")
		if key == "" {
			key = c.ClientIP()
		}

		res, err := s.limiter.Allow(c.Request.Context(), "run:"+key, runRatePerSecond, runBurst)
		if err != nil {
			s.log.Warn("rate limiter unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", retryAfterSeconds(res.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "Too many assessment requests. Slow down and retry.",
			}})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func run(lc fx.Lifecycle, log *zap.Logger, cfg config.Config, engine *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
