package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds operator-tunable billing policy. The suspension
// trigger is whichever fires first: MaxPaymentFailures consecutive failures
// or PastDueGrace elapsing without a successful payment.
type BillingConfig struct {
	RetryBackoff       []time.Duration `mapstructure:"retryBackoff"`
	MaxPaymentAttempts int             `mapstructure:"maxPaymentAttempts"`
	MaxPaymentFailures int             `mapstructure:"maxPaymentFailures"`
	PastDueGrace       time.Duration   `mapstructure:"pastDueGrace"`
	SuspendedGrace     time.Duration   `mapstructure:"suspendedGrace"`
	InvoiceDueDays     int             `mapstructure:"invoiceDueDays"`
	ChargeLeaseTTL     time.Duration   `mapstructure:"chargeLeaseTTL"`
	GatewayTimeout     time.Duration   `mapstructure:"gatewayTimeout"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		RetryBackoff: []time.Duration{
			time.Hour,
			6 * time.Hour,
			24 * time.Hour,
			72 * time.Hour,
		},
		MaxPaymentAttempts: 4,
		MaxPaymentFailures: 3,
		PastDueGrace:       7 * 24 * time.Hour,
		SuspendedGrace:     30 * 24 * time.Hour,
		InvoiceDueDays:     7,
		ChargeLeaseTTL:     2 * time.Minute,
		GatewayTimeout:     30 * time.Second,
	}
}

// BackoffFor returns the wait before the next attempt after attemptNumber
// failures, or false when the attempt cap is exhausted.
func (c BillingConfig) BackoffFor(attemptNumber int) (time.Duration, bool) {
	if attemptNumber < 1 || attemptNumber >= c.MaxPaymentAttempts {
		return 0, false
	}
	if len(c.RetryBackoff) == 0 {
		return 0, false
	}
	idx := attemptNumber - 1
	if idx >= len(c.RetryBackoff) {
		idx = len(c.RetryBackoff) - 1
	}
	return c.RetryBackoff[idx], true
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolder loads billing.yml and watches it for hot reload.
// A missing file falls back to defaults; an invalid file is rejected.
func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tenantbill/config") // Volume-mounted config
	v.AddConfigPath("/etc/tenantbill")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("TENANTBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("billing.retryBackoff", defaults.RetryBackoff)
		v.SetDefault("billing.maxPaymentAttempts", defaults.MaxPaymentAttempts)
		v.SetDefault("billing.maxPaymentFailures", defaults.MaxPaymentFailures)
		v.SetDefault("billing.pastDueGrace", defaults.PastDueGrace)
		v.SetDefault("billing.suspendedGrace", defaults.SuspendedGrace)
		v.SetDefault("billing.invoiceDueDays", defaults.InvoiceDueDays)
		v.SetDefault("billing.chargeLeaseTTL", defaults.ChargeLeaseTTL)
		v.SetDefault("billing.gatewayTimeout", defaults.GatewayTimeout)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if len(cfg.RetryBackoff) == 0 {
		return errors.New("billing.retryBackoff cannot be empty")
	}
	if cfg.MaxPaymentAttempts < 1 {
		return errors.New("billing.maxPaymentAttempts must be at least 1")
	}
	if cfg.MaxPaymentFailures < 1 {
		return errors.New("billing.maxPaymentFailures must be at least 1")
	}
	if cfg.PastDueGrace <= 0 || cfg.SuspendedGrace <= 0 {
		return errors.New("billing grace periods must be positive")
	}
	if cfg.GatewayTimeout <= 0 {
		return errors.New("billing.gatewayTimeout must be positive")
	}
	return nil
}
