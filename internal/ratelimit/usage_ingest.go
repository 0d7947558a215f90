package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const keyUsageIngestTenant = "usage:ingest:tenant:%s"

// UsageIngestLimiter throttles per-tenant usage ingestion. A nil limiter
// allows everything, so deployments without Redis degrade gracefully.
type UsageIngestLimiter struct {
	bucket *TokenBucket

	tenantRate  float64
	tenantBurst int
}

func NewUsageIngestLimiter(client *redis.Client) *UsageIngestLimiter {
	if client == nil {
		return nil
	}
	rate := getenvFloat("USAGE_INGEST_TENANT_RATE", 100)
	burst := getenvInt("USAGE_INGEST_TENANT_BURST", 200)
	if rate <= 0 || burst <= 0 {
		return nil
	}
	return &UsageIngestLimiter{
		bucket:      NewTokenBucket(client),
		tenantRate:  rate,
		tenantBurst: burst,
	}
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowTenant(ctx context.Context, tenantID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyUsageIngestTenant, strings.TrimSpace(tenantID))
	return l.bucket.Allow(ctx, key, l.tenantRate, l.tenantBurst)
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
