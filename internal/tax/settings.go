package tax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
)

// Setting is the tax configuration of a tenant.
type Setting struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	VATRate   decimal.Decimal `json:"vat_rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists tenant tax settings.
type Store interface {
	GetSetting(ctx context.Context, tenantID uuid.UUID) (Setting, bool, error)
	UpsertSetting(ctx context.Context, tenantID uuid.UUID, rate decimal.Decimal) (Setting, error)
}

// Repository provides PostgreSQL backed persistence for tax settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetSetting loads the tenant row; ok is false when the tenant has none.
func (r *Repository) GetSetting(ctx context.Context, tenantID uuid.UUID) (Setting, bool, error) {
	var rate pgtype.Numeric
	s := Setting{TenantID: tenantID}
	err := r.pool.QueryRow(ctx, `SELECT vat_rate, updated_at FROM tax_settings WHERE tenant_id = $1`, tenantID).
		Scan(&rate, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Setting{}, false, nil
	}
	if err != nil {
		return Setting{}, false, fmt.Errorf("tax: load setting: %w", err)
	}
	s.VATRate = db.Decimal(rate)
	return s, true, nil
}

// UpsertSetting writes the tenant VAT rate.
func (r *Repository) UpsertSetting(ctx context.Context, tenantID uuid.UUID, rate decimal.Decimal) (Setting, error) {
	s := Setting{TenantID: tenantID, VATRate: rate}
	err := r.pool.QueryRow(ctx, `INSERT INTO tax_settings (tenant_id, vat_rate, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (tenant_id) DO UPDATE SET vat_rate = EXCLUDED.vat_rate, updated_at = NOW()
RETURNING updated_at`, tenantID, db.Numeric(rate)).Scan(&s.UpdatedAt)
	if err != nil {
		return Setting{}, err
	}
	return s, nil
}

// Settings resolves tenant VAT rates through a Redis cache. Redis is
// best effort: any cache failure is logged and the store answers instead.
type Settings struct {
	store  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewSettings builds the settings service. A nil client disables caching.
func NewSettings(store Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{store: store, client: client, ttl: ttl, logger: logger}
}

// versionKey holds a per-tenant counter bumped on every update. Cached rates
// live under the version read before the store was queried, so a load that
// raced an update can only populate a key nobody reads any more.
func versionKey(tenantID uuid.UUID) string {
	return "tax:vat:ver:" + tenantID.String()
}

func cacheKey(tenantID uuid.UUID, version int64) string {
	return "tax:vat:" + tenantID.String() + ":" + strconv.FormatInt(version, 10)
}

func (s *Settings) version(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ver, err := s.client.Get(ctx, versionKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// VATRate returns the tenant rate, falling back to DefaultVATRate.
func (s *Settings) VATRate(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	setting, err := s.Get(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return setting.VATRate, nil
}

// Get returns the effective setting of a tenant.
func (s *Settings) Get(ctx context.Context, tenantID uuid.UUID) (Setting, error) {
	if s == nil || s.store == nil {
		return Setting{TenantID: tenantID, VATRate: DefaultVATRate}, nil
	}
	if s.client == nil {
		return s.load(ctx, tenantID)
	}

	ver, err := s.version(ctx, tenantID)
	if err != nil {
		s.logger.Warn("tax rate cache unavailable", slog.String("tenant", tenantID.String()), slog.Any("error", err))
		return s.load(ctx, tenantID)
	}
	key := cacheKey(tenantID, ver)
	raw, err := s.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(raw); perr == nil {
			return Setting{TenantID: tenantID, VATRate: rate}, nil
		}
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("tax rate cache read failed", slog.String("key", key), slog.Any("error", err))
		return s.load(ctx, tenantID)
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		setting, err := s.load(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if err := s.client.Set(ctx, key, setting.VATRate.String(), s.ttl).Err(); err != nil {
			s.logger.Warn("tax rate cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return setting, nil
	})
	if err != nil {
		return Setting{}, err
	}
	return v.(Setting), nil
}

func (s *Settings) load(ctx context.Context, tenantID uuid.UUID) (Setting, error) {
	setting, ok, err := s.store.GetSetting(ctx, tenantID)
	if err != nil {
		return Setting{}, err
	}
	if !ok {
		setting = Setting{TenantID: tenantID, VATRate: DefaultVATRate}
	}
	return setting, nil
}

// Update validates and stores a new tenant rate, then bumps the tenant cache
// version so earlier cached rates are no longer read.
func (s *Settings) Update(ctx context.Context, tenantID uuid.UUID, rate decimal.Decimal) (Setting, error) {
	if err := ValidateRate(rate); err != nil {
		return Setting{}, err
	}
	if s == nil || s.store == nil {
		return Setting{}, errors.New("tax: settings store not configured")
	}
	setting, err := s.store.UpsertSetting(ctx, tenantID, rate)
	if err != nil {
		return Setting{}, err
	}
	if s.client != nil {
		if err := s.client.Incr(ctx, versionKey(tenantID)).Err(); err != nil {
			s.logger.Error("tax rate cache invalidation failed, stale rate may be served until ttl",
				slog.String("tenant", tenantID.String()), slog.Duration("ttl", s.ttl), slog.Any("error", err))
		}
	}
	return setting, nil
}
