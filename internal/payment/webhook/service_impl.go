package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stalePendingAfter is how long a PENDING row may sit before the replay
// job considers its processing crashed.
const stalePendingAfter = 10 * time.Minute

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Adapters   *adapters.Registry
	InvoiceSvc invoicedomain.Service
	SubSvc     subscriptiondomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	adapters   *adapters.Registry
	invoiceSvc invoicedomain.Service
	subSvc     subscriptiondomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.WebhookProcessor {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("payment.webhook"),

		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		adapters:   p.Adapters,
		invoiceSvc: p.InvoiceSvc,
		subSvc:     p.SubSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Ingest(ctx context.Context, gateway string, payload []byte, headers http.Header) error {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if gateway == "" {
		return paymentdomain.ErrInvalidGateway
	}
	if s.adapters == nil || !s.adapters.GatewayExists(gateway) {
		return paymentdomain.ErrGatewayNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.matchAdapter(ctx, gateway, payload, headers)
	if err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			return nil
		}
		return err
	}

	// Insert before any effect. The unique (gateway, event_id) row is what
	// makes redelivery a no-op; a crash after this point leaves a PENDING
	// row for the replay job.
	now := s.clock.Now()
	record := &paymentdomain.WebhookEvent{
		ID:         s.genID.Generate(),
		Gateway:    gateway,
		EventID:    event.EventID,
		EventType:  event.Type,
		TenantID:   event.TenantID,
		Status:     paymentdomain.WebhookStatusPending,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return paymentdomain.ErrDuplicateEvent
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return paymentdomain.ErrDuplicateEvent
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, gateway, event.Type)
	}

	if err := s.applyEffects(ctx, event); err != nil {
		s.markFailed(ctx, record.ID, err)
		return err
	}
	return s.markProcessed(ctx, record.ID)
}

// matchAdapter finds the country configuration whose credentials verify
// the payload signature.
func (s *Service) matchAdapter(ctx context.Context, gateway string, payload []byte, headers http.Header) (paymentdomain.PaymentAdapter, error) {
	var countries []pricingdomain.CountryConfig
	err := s.db.WithContext(ctx).
		Where("primary_gateway = ? OR secondary_gateway = ?", gateway, gateway).
		Find(&countries).Error
	if err != nil {
		return nil, err
	}
	if len(countries) == 0 {
		return nil, paymentdomain.ErrGatewayNotFound
	}

	cfg := s.billing.Get()
	for i := range countries {
		account := gatewayAccountConfig(&countries[i], gateway)
		if account == nil {
			continue
		}
		adapter, err := s.adapters.NewAdapter(gateway, paymentdomain.AdapterConfig{
			Gateway: gateway,
			Config:  account,
			Timeout: cfg.GatewayTimeout,
		})
		if err != nil {
			continue
		}
		if err := adapter.Verify(ctx, payload, headers); err == nil {
			return adapter, nil
		}
	}
	return nil, paymentdomain.ErrInvalidSignature
}

func (s *Service) applyEffects(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.applyPaymentFailed(ctx, event)
	case paymentdomain.EventTypeRefunded:
		return s.applyRefund(ctx, event)
	case paymentdomain.EventTypeSubscriptionCanceled:
		return s.applyCancellation(ctx, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	invoice, err := s.invoiceSvc.GetByID(ctx, event.InvoiceID)
	if err != nil {
		return err
	}
	if invoice.AmountDue <= 0 {
		// Already reconciled through the synchronous charge path.
		return nil
	}

	amount := event.AmountMinor
	if amount <= 0 || amount > invoice.AmountDue {
		amount = invoice.AmountDue
	}
	if _, err := s.invoiceSvc.ApplyPayment(ctx, invoice.ID, amount, event.OccurredAt); err != nil {
		return err
	}
	return s.subSvc.RecordPaymentSuccess(ctx, invoice.SubscriptionID, event.OccurredAt)
}

func (s *Service) applyPaymentFailed(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	invoice, err := s.invoiceSvc.GetByID(ctx, event.InvoiceID)
	if err != nil {
		return err
	}

	cfg := s.billing.Get()
	now := s.clock.Now()

	var count int64
	err = s.db.WithContext(ctx).
		Model(&paymentdomain.PaymentAttempt{}).
		Where("invoice_id = ?", invoice.ID).
		Count(&count).Error
	if err != nil {
		return err
	}

	attempt := &paymentdomain.PaymentAttempt{
		ID:            s.genID.Generate(),
		TenantID:      invoice.TenantID,
		InvoiceID:     invoice.ID,
		AttemptNumber: int(count) + 1,
		Gateway:       event.Gateway,
		Status:        paymentdomain.AttemptStatusDeclined,
		AmountMinor:   invoice.AmountDue,
		Currency:      invoice.Currency,
		ErrorCode:     event.ErrorCode,
		GatewayRef:    event.GatewayRef,
		CreatedAt:     now,
	}
	if backoff, ok := cfg.BackoffFor(attempt.AttemptNumber); ok {
		retryAt := now.Add(backoff)
		attempt.NextRetryAt = &retryAt
	} else {
		attempt.Status = paymentdomain.AttemptStatusExhausted
	}

	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		// The orchestrator already recorded this failure synchronously.
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
	}

	return s.subSvc.RecordPaymentFailure(ctx, invoice.SubscriptionID, event.OccurredAt)
}

func (s *Service) applyRefund(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	invoice, err := s.invoiceSvc.GetByID(ctx, event.InvoiceID)
	if err != nil {
		return err
	}
	amount := event.AmountMinor
	if amount <= 0 {
		amount = invoice.AmountPaid
	}
	if amount <= 0 {
		return nil
	}
	_, err = s.invoiceSvc.ApplyPayment(ctx, invoice.ID, -amount, event.OccurredAt)
	return err
}

func (s *Service) applyCancellation(ctx context.Context, event *paymentdomain.GatewayEvent) error {
	if event.TenantID == 0 {
		return paymentdomain.ErrInvalidEvent
	}
	tenantCtx := tenantctx.WithTenantID(ctx, event.TenantID)
	sub, err := s.subSvc.GetByTenant(tenantCtx)
	if err != nil {
		return err
	}
	err = s.subSvc.Transition(ctx, sub.ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonGatewayEvent)
	if errors.Is(err, subscriptiondomain.ErrInvalidTransition) && sub.Status == subscriptiondomain.StatusCancelled {
		return nil
	}
	return err
}

func (s *Service) Reprocess(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()

	var rows []paymentdomain.WebhookEvent
	query := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND received_at <= ?)",
			paymentdomain.WebhookStatusFailed,
			paymentdomain.WebhookStatusPending,
			now.Add(-stalePendingAfter)).
		Order("received_at ASC").
		Limit(limit)
	if !strings.EqualFold(s.db.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := query.Find(&rows).Error; err != nil {
		return 0, err
	}

	processed := 0
	for i := range rows {
		row := rows[i]
		event, err := s.reparse(ctx, &row)
		if err != nil {
			s.markFailed(ctx, row.ID, err)
			continue
		}
		if err := s.applyEffects(ctx, event); err != nil {
			s.markFailed(ctx, row.ID, err)
			continue
		}
		if err := s.markProcessed(ctx, row.ID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// reparse rebuilds the canonical event from the stored payload. The
// signature was verified at ingest time, so any configured adapter for
// the gateway can parse it.
func (s *Service) reparse(ctx context.Context, row *paymentdomain.WebhookEvent) (*paymentdomain.GatewayEvent, error) {
	var countries []pricingdomain.CountryConfig
	err := s.db.WithContext(ctx).
		Where("primary_gateway = ? OR secondary_gateway = ?", row.Gateway, row.Gateway).
		Find(&countries).Error
	if err != nil {
		return nil, err
	}

	cfg := s.billing.Get()
	for i := range countries {
		account := gatewayAccountConfig(&countries[i], row.Gateway)
		if account == nil {
			continue
		}
		adapter, err := s.adapters.NewAdapter(row.Gateway, paymentdomain.AdapterConfig{
			Gateway: row.Gateway,
			Config:  account,
			Timeout: cfg.GatewayTimeout,
		})
		if err != nil {
			continue
		}
		event, err := adapter.Parse(ctx, row.Payload)
		if err == nil {
			return event, nil
		}
	}
	return nil, paymentdomain.ErrGatewayNotFound
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&paymentdomain.WebhookEvent{}).
		Where("id = ? AND status IN ?", id,
			[]paymentdomain.WebhookStatus{paymentdomain.WebhookStatusPending, paymentdomain.WebhookStatusFailed}).
		Updates(map[string]any{"status": paymentdomain.WebhookStatusProcessed, "processed_at": now}).
		Error
}

func (s *Service) markFailed(ctx context.Context, id snowflake.ID, cause error) {
	err := s.db.WithContext(ctx).
		Model(&paymentdomain.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      paymentdomain.WebhookStatusFailed,
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
		}).Error
	if err != nil {
		s.log.Error("webhook event not marked failed",
			zap.String("webhook_event_id", id.String()),
			zap.Error(err))
	}
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
