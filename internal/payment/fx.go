package payment

import (
	"strings"

	"github.com/complykit/complykit/internal/config"
	"github.com/complykit/complykit/internal/payment/repository"
	"github.com/complykit/complykit/internal/payment/service"
	"github.com/complykit/complykit/internal/payment/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideGateway),
	fx.Provide(service.New),
)

// provideGateway returns nil when no secret key is configured; the
// service then rejects payment calls with ErrProviderDisabled instead
// of failing at startup.
func provideGateway(cfg config.Config, log *zap.Logger) service.Gateway {
	key := strings.TrimSpace(cfg.Billing.StripeSecretKey)
	if key == "" {
		log.Named("payment").Warn("stripe secret key not configured, payments disabled")
		return nil
	}
	return stripe.NewClient(key)
}
