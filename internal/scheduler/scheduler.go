// Package scheduler drives the periodic billing machinery: period
// rollover, dunning retries, overdue sweeps and webhook replay.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	Orchestrator    paymentdomain.Orchestrator
	WebhookSvc      paymentdomain.WebhookProcessor
	Config          Config `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	orchestrator    paymentdomain.Orchestrator
	webhookSvc      paymentdomain.WebhookProcessor
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.InvoiceSvc == nil || p.Orchestrator == nil || p.WebhookSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler"),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		orchestrator:    p.Orchestrator,
		webhookSvc:      p.WebhookSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	log.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"lifecycle_tick", s.LifecycleTickJob},
		{"dunning", s.DunningJob},
		{"overdue_invoices", s.OverdueInvoicesJob},
		{"webhook_replay", s.WebhookReplayJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// LifecycleTickJob advances trials, rolls over finished periods and
// enforces past-due and suspension grace deadlines.
func (s *Scheduler) LifecycleTickJob(ctx context.Context) error {
	now := s.clock.Now()
	result, err := s.subscriptionSvc.Tick(ctx, now)
	if err != nil {
		return err
	}
	if result.RolledOver > 0 || result.Suspended > 0 || result.Cancelled > 0 || result.Activated > 0 {
		s.log.Info("lifecycle tick",
			zap.Int("rolled_over", result.RolledOver),
			zap.Int("suspended", result.Suspended),
			zap.Int("cancelled", result.Cancelled),
			zap.Int("activated", result.Activated),
		)
	}
	return errors.Join(result.Errs...)
}

// DunningJob charges freshly issued invoices and retries invoices whose
// scheduled retry time has passed. A declined or flaky gateway is the
// invoice's problem, not the job's; only infrastructure errors surface.
func (s *Scheduler) DunningJob(ctx context.Context) error {
	due, err := s.orchestrator.DueInvoices(ctx, s.cfg.DunningBatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, invoiceID := range due {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		_, chargeErr := s.orchestrator.Charge(ctx, invoiceID)
		if chargeErr == nil || isExpectedChargeOutcome(chargeErr) {
			continue
		}
		jobErr = errors.Join(jobErr, chargeErr)
		s.log.Warn("dunning charge failed",
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(chargeErr),
		)
	}
	return jobErr
}

func isExpectedChargeOutcome(err error) bool {
	return errors.Is(err, paymentdomain.ErrGatewayDeclined) ||
		errors.Is(err, paymentdomain.ErrGatewayTransient) ||
		errors.Is(err, paymentdomain.ErrChargeInFlight) ||
		errors.Is(err, paymentdomain.ErrNothingToCharge) ||
		errors.Is(err, paymentdomain.ErrRetriesExhausted)
}

// OverdueInvoicesJob flips unpaid invoices past their due date.
func (s *Scheduler) OverdueInvoicesJob(ctx context.Context) error {
	flipped, err := s.invoiceSvc.MarkOverdue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if len(flipped) > 0 {
		s.log.Info("invoices marked overdue", zap.Int("count", len(flipped)))
	}
	return nil
}

// WebhookReplayJob re-runs stored gateway events that failed or whose
// processing never finished.
func (s *Scheduler) WebhookReplayJob(ctx context.Context) error {
	replayed, err := s.webhookSvc.Reprocess(ctx, s.cfg.ReplayBatchSize)
	if err != nil {
		return err
	}
	if replayed > 0 {
		s.log.Info("webhook events replayed", zap.Int("count", replayed))
	}
	return nil
}
