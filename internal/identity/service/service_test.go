package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/complykit/complykit/internal/config"
	creditdomain "github.com/complykit/complykit/internal/credit/domain"
	creditrepo "github.com/complykit/complykit/internal/credit/repository"
	creditservice "github.com/complykit/complykit/internal/credit/service"
	"github.com/complykit/complykit/internal/identity/domain"
	"github.com/complykit/complykit/internal/identity/repository"
	paymentdomain "github.com/complykit/complykit/internal/payment/domain"
)

func newTestService(t *testing.T, billing config.BillingConfig) (domain.Service, *gorm.DB) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(
		&domain.User{},
		&creditdomain.CreditAccount{},
		&creditdomain.CreditLedgerEntry{},
		&creditdomain.AssessmentBillingSession{},
		&paymentdomain.Customer{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{Billing: billing}
	credits := creditservice.New(creditservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Config: cfg,
		Repo:   creditrepo.Provide(),
	})

	svc := New(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Config:  cfg,
		Repo:    repository.Provide(),
		Credits: credits,
	})

	return svc, conn
}

func creditsBilling() config.BillingConfig {
	return config.BillingConfig{
		Enabled:          true,
		Mode:             config.BillingModeCredits,
		FreeRequestUnits: 5,
		DailyLimit:       20,
	}
}

func TestEnsureUser_CreatesWithSignupGrant(t *testing.T) {
	svc, conn := newTestService(t, creditsBilling())
	ctx := context.Background()

	ref, err := svc.EnsureUser(ctx, "auth0|alice", "alice@example.com")
	require.NoError(t, err)
	require.NotZero(t, ref.ID)
	assert.Equal(t, "alice@example.com", ref.Email)

	var user domain.User
	require.NoError(t, conn.Where("auth_subject = ?", "auth0|alice").Take(&user).Error)
	assert.NotNil(t, user.FreeCreditsGrantedAt)

	var account creditdomain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", ref.ID).Take(&account).Error)
	assert.Equal(t, int64(5), account.BalanceUnits)
}

func TestEnsureUser_IsStableAcrossLogins(t *testing.T) {
	svc, conn := newTestService(t, creditsBilling())
	ctx := context.Background()

	first, err := svc.EnsureUser(ctx, "auth0|alice", "alice@example.com")
	require.NoError(t, err)

	second, err := svc.EnsureUser(ctx, "auth0|alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The grant never repeats.
	var account creditdomain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", first.ID).Take(&account).Error)
	assert.Equal(t, int64(5), account.BalanceUnits)

	var grants int64
	require.NoError(t, conn.Model(&creditdomain.CreditLedgerEntry{}).
		Where("user_id = ? AND reason = ?", first.ID, creditdomain.ReasonFreeGrant).
		Count(&grants).Error)
	assert.Equal(t, int64(1), grants)
}

func TestEnsureUser_RefreshesEmail(t *testing.T) {
	svc, conn := newTestService(t, creditsBilling())
	ctx := context.Background()

	ref, err := svc.EnsureUser(ctx, "auth0|alice", "old@example.com")
	require.NoError(t, err)

	ref, err = svc.EnsureUser(ctx, "auth0|alice", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", ref.Email)

	var user domain.User
	require.NoError(t, conn.Where("id = ?", ref.ID).Take(&user).Error)
	assert.Equal(t, "new@example.com", user.Email)
}

func TestEnsureUser_RejectsEmptySubject(t *testing.T) {
	svc, _ := newTestService(t, creditsBilling())

	_, err := svc.EnsureUser(context.Background(), "   ", "alice@example.com")
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)
}

func TestEnsureUser_DailyModeGrantsNoUnits(t *testing.T) {
	billing := creditsBilling()
	billing.Mode = config.BillingModeDaily
	svc, conn := newTestService(t, billing)

	ref, err := svc.EnsureUser(context.Background(), "auth0|bob", "bob@example.com")
	require.NoError(t, err)

	// The account row exists as the quota serialization point but
	// carries no balance.
	var account creditdomain.CreditAccount
	require.NoError(t, conn.Where("user_id = ?", ref.ID).Take(&account).Error)
	assert.Equal(t, int64(0), account.BalanceUnits)

	var user domain.User
	require.NoError(t, conn.Where("id = ?", ref.ID).Take(&user).Error)
	assert.Nil(t, user.FreeCreditsGrantedAt)
}

// racingRepo simulates losing the first-creation insert to a concurrent
// request: the first find sees nothing, the insert hits the unique
// subject index, and the retry finds the winner's row.
type racingRepo struct {
	domain.Repository
	winner *domain.User
	finds  int
}

func (r *racingRepo) FindBySubjectForUpdate(ctx context.Context, tx *gorm.DB, subject string) (*domain.User, error) {
	r.finds++
	if r.finds == 1 {
		return nil, nil
	}
	return r.winner, nil
}

func (r *racingRepo) Insert(ctx context.Context, tx *gorm.DB, user *domain.User) error {
	return errors.New("UNIQUE constraint failed: billing_users.auth_subject")
}

func TestEnsureUser_RetriesCreationRace(t *testing.T) {
	svc, _ := newTestService(t, creditsBilling())
	inner := svc.(*Service)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	grantedAt := time.Now().UTC()
	winner := &domain.User{
		ID:                   node.Generate(),
		AuthSubject:          "auth0|raced",
		Email:                "raced@example.com",
		FreeCreditsGrantedAt: &grantedAt,
		CreatedAt:            grantedAt,
		UpdatedAt:            grantedAt,
	}
	inner.repo = &racingRepo{winner: winner}

	ref, err := svc.EnsureUser(context.Background(), "auth0|raced", "raced@example.com")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, ref.ID)
	assert.Equal(t, "raced@example.com", ref.Email)
}

func TestFindByEmail(t *testing.T) {
	svc, _ := newTestService(t, creditsBilling())
	ctx := context.Background()

	ref, err := svc.EnsureUser(ctx, "auth0|alice", "alice@example.com")
	require.NoError(t, err)

	found, err := svc.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ref.ID, found.ID)

	missing, err := svc.FindByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	blank, err := svc.FindByEmail(ctx, "  ")
	require.NoError(t, err)
	assert.Nil(t, blank)
}
