package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const ratesCacheKey = "exchange_rates"

// CachedConfig serves exchange rates, VAT settings and fee plans from a
// Cache, loading from the store on a miss. Absent rows are not cached.
// A failing cache degrades to direct store reads.
type CachedConfig struct {
	store       SettingsStore
	cache       Cache
	ratesTTL    time.Duration
	settingsTTL time.Duration
	logger      *zap.Logger
}

// NewCachedConfig creates a config provider. A nil cache reads straight
// through to the store.
func NewCachedConfig(store SettingsStore, cache Cache, ratesTTL, settingsTTL time.Duration) *CachedConfig {
	return &CachedConfig{
		store:       store,
		cache:       cache,
		ratesTTL:    ratesTTL,
		settingsTTL: settingsTTL,
		logger:      util.GetLogger(),
	}
}

// ExchangeRates returns the current FX payload, or nil when none is stored.
func (c *CachedConfig) ExchangeRates(ctx context.Context) (*models.ExchangeRates, error) {
	var rates models.ExchangeRates
	if c.lookup(ctx, ratesCacheKey, &rates) {
		return &rates, nil
	}

	loaded, err := c.store.GetExchangeRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange rates: %w", err)
	}
	if loaded != nil {
		c.save(ctx, ratesCacheKey, loaded, c.ratesTTL)
	}
	return loaded, nil
}

// VATSettings returns the organization's VAT configuration, or nil.
func (c *CachedConfig) VATSettings(ctx context.Context, orgID string) (*models.VATSettings, error) {
	key := vatCacheKey(orgID)

	var settings models.VATSettings
	if c.lookup(ctx, key, &settings) {
		return &settings, nil
	}

	loaded, err := c.store.GetVATSettings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load VAT settings: %w", err)
	}
	if loaded != nil {
		c.save(ctx, key, loaded, c.settingsTTL)
	}
	return loaded, nil
}

// FeePlan returns the organization's billing plan, or nil.
func (c *CachedConfig) FeePlan(ctx context.Context, orgID string) (*models.FeePlan, error) {
	key := feePlanCacheKey(orgID)

	var plan models.FeePlan
	if c.lookup(ctx, key, &plan) {
		return &plan, nil
	}

	loaded, err := c.store.GetFeePlan(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee plan: %w", err)
	}
	if loaded != nil {
		c.save(ctx, key, loaded, c.settingsTTL)
	}
	return loaded, nil
}

// InvalidateRates drops the cached FX payload, typically after the rate
// fetcher stores a new one.
func (c *CachedConfig) InvalidateRates(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, ratesCacheKey)
}

// InvalidateOrg drops the cached VAT settings and fee plan of an organization.
func (c *CachedConfig) InvalidateOrg(ctx context.Context, orgID string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, vatCacheKey(orgID), feePlanCacheKey(orgID))
}

func (c *CachedConfig) lookup(ctx context.Context, key string, dest interface{}) bool {
	if c.cache == nil {
		return false
	}
	err := c.cache.GetJSON(ctx, key, dest)
	if err == nil {
		return true
	}
	if !errors.Is(err, redisclient.ErrCacheMiss) {
		c.logger.Warn("Config cache read failed", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (c *CachedConfig) save(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c.cache == nil || ttl <= 0 {
		return
	}
	if err := c.cache.SetJSON(ctx, key, value, ttl); err != nil {
		c.logger.Warn("Config cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func vatCacheKey(orgID string) string {
	return "vat_settings:" + orgID
}

func feePlanCacheKey(orgID string) string {
	return "fee_plan:" + orgID
}
