package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/lease"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func skipLockedClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
}

type OrchestratorParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Registry   *adapters.Registry
	InvoiceSvc invoicedomain.Service
	SubSvc     subscriptiondomain.Service
	PricingSvc pricingdomain.Service
	Locker     *lease.Locker       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
}

type Orchestrator struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	registry   *adapters.Registry
	invoiceSvc invoicedomain.Service
	subSvc     subscriptiondomain.Service
	pricingSvc pricingdomain.Service
	locker     *lease.Locker
	obsMetrics *obsmetrics.Metrics
	outbox     *events.Outbox
}

func NewOrchestrator(p OrchestratorParam) paymentdomain.Orchestrator {
	return &Orchestrator{
		db:  p.DB,
		log: p.Log.Named("payment.orchestrator"),

		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		registry:   p.Registry,
		invoiceSvc: p.InvoiceSvc,
		subSvc:     p.SubSvc,
		pricingSvc: p.PricingSvc,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
		outbox:     p.Outbox,
	}
}

func (o *Orchestrator) Charge(ctx context.Context, invoiceID snowflake.ID) (*paymentdomain.PaymentAttempt, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	cfg := o.billing.Get()

	if o.locker != nil {
		key := "tenantbill:charge:" + invoiceID.String()
		token, ok, err := o.locker.TryLock(ctx, key, cfg.ChargeLeaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, paymentdomain.ErrChargeInFlight
		}
		defer func() {
			if err := o.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				o.log.Warn("charge lease release failed", zap.Error(err))
			}
		}()
	}

	invoice, err := o.invoiceSvc.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.StatusPending, invoicedomain.StatusPartial, invoicedomain.StatusOverdue:
	default:
		return nil, paymentdomain.ErrNothingToCharge
	}
	if invoice.AmountDue <= 0 {
		return nil, paymentdomain.ErrNothingToCharge
	}

	country, err := o.pricingSvc.GetCountryConfig(ctx, invoice.CountryCode)
	if err != nil {
		return nil, err
	}

	attemptNumber, err := o.nextAttemptNumber(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if attemptNumber > cfg.MaxPaymentAttempts {
		return nil, paymentdomain.ErrRetriesExhausted
	}

	now := o.clock.Now()

	attempt, err := o.chargeVia(ctx, country.PrimaryGateway, country, invoice, attemptNumber, cfg, now)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, paymentdomain.ErrGatewayTransient) {
		return attempt, err
	}

	// A gateway-level failure (timeout, 5xx, bad config) is not the
	// tenant's fault; try the secondary before scheduling a retry.
	if country.SecondaryGateway != "" && attemptNumber+1 <= cfg.MaxPaymentAttempts {
		fallback, fallbackErr := o.chargeVia(ctx, country.SecondaryGateway, country, invoice, attemptNumber+1, cfg, now)
		if fallbackErr == nil {
			return fallback, nil
		}
		return fallback, fallbackErr
	}
	return attempt, err
}

// chargeVia submits one attempt on one gateway and records it regardless
// of outcome.
func (o *Orchestrator) chargeVia(
	ctx context.Context,
	gateway string,
	country *pricingdomain.CountryConfig,
	invoice *invoicedomain.Invoice,
	attemptNumber int,
	cfg config.BillingConfig,
	now time.Time,
) (*paymentdomain.PaymentAttempt, error) {

	attempt := &paymentdomain.PaymentAttempt{
		ID:            o.genID.Generate(),
		TenantID:      invoice.TenantID,
		InvoiceID:     invoice.ID,
		AttemptNumber: attemptNumber,
		Gateway:       gateway,
		AmountMinor:   invoice.AmountDue,
		Currency:      invoice.Currency,
		CreatedAt:     now,
	}

	adapter, err := o.buildAdapter(gateway, country, cfg)
	if err != nil {
		attempt.Status = paymentdomain.AttemptStatusFailed
		attempt.ErrorCode = "gateway_config"
		o.scheduleRetry(attempt, cfg, now)
		if recordErr := o.recordAttempt(ctx, attempt, invoice, now); recordErr != nil {
			return nil, recordErr
		}
		return attempt, paymentdomain.ErrGatewayTransient
	}

	result, chargeErr := adapter.Charge(ctx, paymentdomain.ChargeRequest{
		TenantID:       invoice.TenantID,
		InvoiceID:      invoice.ID,
		AmountMinor:    invoice.AmountDue,
		Currency:       invoice.Currency,
		AccountID:      gatewayAccountID(country, gateway),
		IdempotencyKey: fmt.Sprintf("%s-%d", invoice.ID.String(), attemptNumber),
	})

	switch {
	case chargeErr == nil:
		attempt.Status = paymentdomain.AttemptStatusSucceeded
		attempt.GatewayRef = result.GatewayRef
		if result.AmountMinor > 0 {
			attempt.AmountMinor = result.AmountMinor
		}
	case errors.Is(chargeErr, paymentdomain.ErrGatewayDeclined):
		attempt.Status = paymentdomain.AttemptStatusDeclined
		attempt.ErrorCode = "declined"
		o.scheduleRetry(attempt, cfg, now)
	default:
		attempt.Status = paymentdomain.AttemptStatusFailed
		attempt.ErrorCode = "gateway_transient"
		o.scheduleRetry(attempt, cfg, now)
		chargeErr = paymentdomain.ErrGatewayTransient
	}

	if err := o.recordAttempt(ctx, attempt, invoice, now); err != nil {
		return nil, err
	}

	if o.obsMetrics != nil {
		o.obsMetrics.RecordPaymentAttempt(ctx, gateway, string(attempt.Status))
	}

	if attempt.Status == paymentdomain.AttemptStatusSucceeded {
		if err := o.settle(ctx, invoice, attempt, now); err != nil {
			return attempt, err
		}
		return attempt, nil
	}

	o.recordFailureEffects(ctx, invoice, attempt, now)
	return attempt, chargeErr
}

func (o *Orchestrator) buildAdapter(gateway string, country *pricingdomain.CountryConfig, cfg config.BillingConfig) (paymentdomain.PaymentAdapter, error) {
	accountCfg := gatewayAccountConfig(country, gateway)
	if accountCfg == nil {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return o.registry.NewAdapter(gateway, paymentdomain.AdapterConfig{
		Gateway: gateway,
		Config:  accountCfg,
		Timeout: cfg.GatewayTimeout,
	})
}

func (o *Orchestrator) scheduleRetry(attempt *paymentdomain.PaymentAttempt, cfg config.BillingConfig, now time.Time) {
	if backoff, ok := cfg.BackoffFor(attempt.AttemptNumber); ok {
		retryAt := now.Add(backoff)
		attempt.NextRetryAt = &retryAt
		return
	}
	attempt.Status = paymentdomain.AttemptStatusExhausted
}

func (o *Orchestrator) recordAttempt(ctx context.Context, attempt *paymentdomain.PaymentAttempt, invoice *invoicedomain.Invoice, now time.Time) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Stop earlier attempts from being re-picked by the dunning job.
		err := tx.WithContext(ctx).
			Model(&paymentdomain.PaymentAttempt{}).
			Where("invoice_id = ? AND next_retry_at IS NOT NULL", invoice.ID).
			Update("next_retry_at", nil).Error
		if err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(attempt).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return paymentdomain.ErrChargeInFlight
			}
			return err
		}
		return nil
	})
}

// settle applies a confirmed gateway success. The subscription may have
// been cancelled while the charge was in flight; the invoice is still
// reconciled and the lifecycle service decides whether to move.
func (o *Orchestrator) settle(ctx context.Context, invoice *invoicedomain.Invoice, attempt *paymentdomain.PaymentAttempt, now time.Time) error {
	amount := attempt.AmountMinor
	if amount > invoice.AmountDue {
		amount = invoice.AmountDue
	}
	if _, err := o.invoiceSvc.ApplyPayment(ctx, invoice.ID, amount, now); err != nil {
		return err
	}
	return o.subSvc.RecordPaymentSuccess(ctx, invoice.SubscriptionID, now)
}

func (o *Orchestrator) recordFailureEffects(ctx context.Context, invoice *invoicedomain.Invoice, attempt *paymentdomain.PaymentAttempt, now time.Time) {
	if err := o.subSvc.RecordPaymentFailure(ctx, invoice.SubscriptionID, now); err != nil {
		o.log.Warn("payment failure not recorded on subscription",
			zap.String("subscription_id", invoice.SubscriptionID.String()),
			zap.Error(err))
	}
	if o.outbox != nil {
		payload := events.InvoicePayload{
			InvoiceID:      invoice.ID.String(),
			SubscriptionID: invoice.SubscriptionID.String(),
			AmountMinor:    invoice.AmountDue,
			Currency:       invoice.Currency,
		}
		err := o.outbox.Publish(ctx, events.Event{
			TenantID:  invoice.TenantID,
			Type:      events.EventInvoicePaymentFailed,
			Payload:   payload.ToMap(),
			DedupeKey: fmt.Sprintf("invoice_payment_failed:%s:%d", invoice.ID.String(), attempt.AttemptNumber),
		})
		if err != nil {
			o.log.Warn("payment failure outbox publish failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) nextAttemptNumber(ctx context.Context, invoiceID snowflake.ID) (int, error) {
	var count int64
	err := o.db.WithContext(ctx).
		Model(&paymentdomain.PaymentAttempt{}).
		Where("invoice_id = ?", invoiceID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count) + 1, nil
}

func (o *Orchestrator) DueAttempts(ctx context.Context, limit int) ([]paymentdomain.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	now := o.clock.Now()

	var attempts []paymentdomain.PaymentAttempt
	query := o.db.WithContext(ctx).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit)
	if !strings.EqualFold(o.db.Dialector.Name(), "sqlite") {
		query = query.Clauses(skipLockedClause())
	}
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (o *Orchestrator) DueInvoices(ctx context.Context, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	now := o.clock.Now()

	var ids []snowflake.ID
	err := o.db.WithContext(ctx).Raw(
		`SELECT i.id
		 FROM invoices i
		 WHERE i.status IN ? AND i.amount_due > 0
		   AND (
		     NOT EXISTS (SELECT 1 FROM payment_attempts a WHERE a.invoice_id = i.id)
		     OR EXISTS (
		       SELECT 1 FROM payment_attempts a
		       WHERE a.invoice_id = i.id AND a.next_retry_at IS NOT NULL AND a.next_retry_at <= ?
		     )
		   )
		 ORDER BY i.issued_at ASC
		 LIMIT ?`,
		[]string{string(invoicedomain.StatusPending), string(invoicedomain.StatusPartial), string(invoicedomain.StatusOverdue)},
		now, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func gatewayAccountConfig(country *pricingdomain.CountryConfig, gateway string) map[string]any {
	if country == nil || country.GatewayConfig == nil {
		return nil
	}
	accounts, ok := country.GatewayConfig["accounts"].(map[string]any)
	if !ok {
		return nil
	}
	account, ok := accounts[gateway].(map[string]any)
	if !ok {
		return nil
	}
	return account
}

func gatewayAccountID(country *pricingdomain.CountryConfig, gateway string) string {
	account := gatewayAccountConfig(country, gateway)
	if account == nil {
		return ""
	}
	id, _ := account["account_id"].(string)
	return id
}
