package migration

import (
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	identitydomain "github.com/complykit/complykit/internal/identity/domain"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres targets (sqlite in tests, mysql) derive the schema
		// from the models.
		return conn.AutoMigrate(
			&identitydomain.User{},
			&creditdomain.CreditAccount{},
			&creditdomain.CreditLedgerEntry{},
			&creditdomain.AssessmentBillingSession{},
			&paymentdomain.Customer{},
			&paymentdomain.CheckoutSession{},
			&paymentdomain.WebhookEvent{},
		)
	}),
)
