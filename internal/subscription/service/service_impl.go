package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/db"
	"github.com/hiddenbraintechnologies-sys/tenantbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// legalMoves is the lifecycle transition table. CANCELLED is terminal and
// only PAST_DUE and ACTIVE form a two-way pair.
var legalMoves = map[subscriptiondomain.Status][]subscriptiondomain.Status{
	subscriptiondomain.StatusTrialing:  {subscriptiondomain.StatusActive, subscriptiondomain.StatusCancelled},
	subscriptiondomain.StatusActive:    {subscriptiondomain.StatusPastDue, subscriptiondomain.StatusCancelled},
	subscriptiondomain.StatusPastDue:   {subscriptiondomain.StatusActive, subscriptiondomain.StatusSuspended, subscriptiondomain.StatusCancelled},
	subscriptiondomain.StatusSuspended: {subscriptiondomain.StatusCancelled},
	subscriptiondomain.StatusCancelled: {},
}

func transitionAllowed(from, to subscriptiondomain.Status) bool {
	for _, allowed := range legalMoves[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	PricingSvc pricingdomain.Service
	InvoiceSvc invoicedomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	pricingSvc pricingdomain.Service
	invoiceSvc invoicedomain.Service
	subrepo    repository.Repository[subscriptiondomain.Subscription]
	obsMetrics *obsmetrics.Metrics
	outbox     *events.Outbox
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		pricingSvc: p.PricingSvc,
		invoiceSvc: p.InvoiceSvc,
		subrepo:    repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		obsMetrics: p.ObsMetrics,
		outbox:     p.Outbox,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, subscriptiondomain.ErrInvalidTenant
	}

	planID, err := snowflake.ParseString(strings.TrimSpace(req.PlanID))
	if err != nil || planID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	plan, err := s.pricingSvc.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, pricingdomain.ErrPlanNotFound) {
			return nil, subscriptiondomain.ErrInvalidPlan
		}
		return nil, err
	}
	if !plan.Active {
		return nil, subscriptiondomain.ErrInvalidPlan
	}

	countryCode := strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if _, err := s.pricingSvc.GetCountryConfig(ctx, countryCode); err != nil {
		if errors.Is(err, pricingdomain.ErrCountryNotFound) || errors.Is(err, pricingdomain.ErrInvalidCountry) {
			return nil, subscriptiondomain.ErrInvalidCountry
		}
		return nil, err
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		TenantID:           tenantID,
		PlanID:             planID,
		BusinessType:       strings.TrimSpace(req.BusinessType),
		CountryCode:        countryCode,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.Add(time.Duration(plan.TrialDays) * 24 * time.Hour)
		sub.Status = subscriptiondomain.StatusTrialing
		sub.TrialEndsAt = &trialEnd
	}
	if req.Metadata != nil {
		sub.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrSubscriptionExists
		}
		return nil, err
	}
	return sub, nil
}

func (s *Service) GetByTenant(ctx context.Context) (*subscriptiondomain.Subscription, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || tenantID == 0 {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	sub, err := s.subrepo.FindOne(ctx, &subscriptiondomain.Subscription{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if id == 0 {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	sub, err := s.subrepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: id})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ChangePlan stages a plan change that takes effect at the next rollover.
// The running period keeps its snapshotted entitlements.
func (s *Service) ChangePlan(ctx context.Context, planID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetByTenant(ctx)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.StatusCancelled {
		return nil, subscriptiondomain.ErrSubscriptionEnded
	}

	plan, err := s.pricingSvc.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, pricingdomain.ErrPlanNotFound) {
			return nil, subscriptiondomain.ErrInvalidPlan
		}
		return nil, err
	}
	if !plan.Active {
		return nil, subscriptiondomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{"pending_plan_id": planID, "updated_at": now}).
		Error
	if err != nil {
		return nil, err
	}
	sub.PendingPlanID = &planID
	sub.UpdatedAt = now
	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, atPeriodEnd bool) (*subscriptiondomain.Subscription, error) {
	sub, err := s.GetByTenant(ctx)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.StatusCancelled {
		return nil, subscriptiondomain.ErrSubscriptionEnded
	}

	if atPeriodEnd {
		now := s.clock.Now()
		err = s.db.WithContext(ctx).
			Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{"cancel_at_period_end": true, "updated_at": now}).
			Error
		if err != nil {
			return nil, err
		}
		sub.CancelAtPeriodEnd = true
		sub.UpdatedAt = now
		return sub, nil
	}

	if err := s.Transition(ctx, sub.ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonTenantRequested); err != nil {
		return nil, err
	}
	return s.GetByID(ctx, sub.ID)
}

func (s *Service) SetPaymentMethod(ctx context.Context, set bool) error {
	sub, err := s.GetByTenant(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{"payment_method_set": set, "updated_at": s.clock.Now()}).
		Error
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to subscriptiondomain.Status, reason subscriptiondomain.TransitionReason) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.applyTransition(ctx, tx, sub, to, reason, s.clock.Now())
	})
}

// applyTransition moves the row through the legal-move table with a
// status-guarded update, so a concurrent transition loses cleanly.
func (s *Service) applyTransition(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	to subscriptiondomain.Status,
	reason subscriptiondomain.TransitionReason,
	now time.Time,
) error {
	from := sub.Status
	if from == to {
		return nil
	}
	if !transitionAllowed(from, to) {
		return subscriptiondomain.ErrInvalidTransition
	}

	updates := map[string]any{"status": to, "updated_at": now}
	switch to {
	case subscriptiondomain.StatusActive:
		updates["past_due_since"] = nil
		updates["suspended_at"] = nil
		updates["payment_failure_count"] = 0
	case subscriptiondomain.StatusPastDue:
		updates["past_due_since"] = now
	case subscriptiondomain.StatusSuspended:
		updates["suspended_at"] = now
	case subscriptiondomain.StatusCancelled:
		updates["cancelled_at"] = now
	}

	result := tx.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND status = ?", sub.ID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrInvalidTransition
	}

	transition := subscriptiondomain.StateTransition{
		ID:             s.genID.Generate(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		FromStatus:     from,
		ToStatus:       to,
		Reason:         reason,
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&transition).Error; err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransition(ctx, string(from), string(to))
	}
	s.publishTransition(ctx, tx, sub, from, to, reason)
	sub.Status = to
	return nil
}

func (s *Service) publishTransition(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, from, to subscriptiondomain.Status, reason subscriptiondomain.TransitionReason) {
	if s.outbox == nil {
		return
	}
	var eventType string
	switch to {
	case subscriptiondomain.StatusSuspended:
		eventType = events.EventSubscriptionSuspended
	case subscriptiondomain.StatusCancelled:
		eventType = events.EventSubscriptionCancelled
	default:
		return
	}
	payload := events.SubscriptionPayload{
		SubscriptionID: sub.ID.String(),
		FromState:      string(from),
		ToState:        string(to),
		Reason:         string(reason),
	}
	err := s.outbox.PublishTx(ctx, tx, events.Event{
		TenantID:  sub.TenantID,
		Type:      eventType,
		Payload:   payload.ToMap(),
		DedupeKey: eventType + ":" + sub.ID.String() + ":" + string(from),
	})
	if err != nil {
		s.log.Warn("transition outbox publish failed", zap.Error(err))
	}
}

func (s *Service) RecordPaymentFailure(ctx context.Context, id snowflake.ID, at time.Time) error {
	at = at.UTC()
	cfg := s.billing.Get()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, id)
		if err != nil {
			return err
		}
		switch sub.Status {
		case subscriptiondomain.StatusCancelled, subscriptiondomain.StatusSuspended:
			return nil
		}

		sub.PaymentFailureCount++
		err = tx.WithContext(ctx).
			Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{"payment_failure_count": sub.PaymentFailureCount, "updated_at": at}).
			Error
		if err != nil {
			return err
		}

		if sub.Status == subscriptiondomain.StatusActive {
			if err := s.applyTransition(ctx, tx, sub, subscriptiondomain.StatusPastDue, subscriptiondomain.ReasonPaymentFailed, at); err != nil {
				return err
			}
			sub.PastDueSince = &at
		}

		graceExpired := sub.PastDueSince != nil && at.Sub(*sub.PastDueSince) >= cfg.PastDueGrace
		if sub.PaymentFailureCount >= cfg.MaxPaymentFailures || graceExpired {
			reason := subscriptiondomain.ReasonPaymentFailed
			if graceExpired {
				reason = subscriptiondomain.ReasonGraceExpired
			}
			return s.applyTransition(ctx, tx, sub, subscriptiondomain.StatusSuspended, reason, at)
		}
		return nil
	})
}

func (s *Service) RecordPaymentSuccess(ctx context.Context, id snowflake.ID, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, id)
		if err != nil {
			return err
		}
		switch sub.Status {
		case subscriptiondomain.StatusPastDue:
			return s.applyTransition(ctx, tx, sub, subscriptiondomain.StatusActive, subscriptiondomain.ReasonPaymentSettled, at)
		case subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing:
			return tx.WithContext(ctx).
				Model(&subscriptiondomain.Subscription{}).
				Where("id = ?", sub.ID).
				Updates(map[string]any{"payment_failure_count": 0, "updated_at": at}).
				Error
		default:
			// A settlement landing after suspension or cancellation is
			// reconciled on the invoice; the lifecycle does not move.
			return nil
		}
	})
}

func (s *Service) Tick(ctx context.Context, now time.Time) (subscriptiondomain.TickResult, error) {
	now = now.UTC()
	result := subscriptiondomain.TickResult{}

	s.tickTrials(ctx, now, &result)
	s.tickRollovers(ctx, now, &result)
	s.tickGrace(ctx, now, &result)

	if len(result.Errs) > 0 {
		return result, errors.Join(result.Errs...)
	}
	return result, nil
}

func (s *Service) tickTrials(ctx context.Context, now time.Time, result *subscriptiondomain.TickResult) {
	var trials []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?",
			subscriptiondomain.StatusTrialing, now).
		Find(&trials).Error
	if err != nil {
		result.Errs = append(result.Errs, err)
		return
	}

	for i := range trials {
		sub := trials[i]
		to := subscriptiondomain.StatusActive
		if !sub.PaymentMethodSet {
			to = subscriptiondomain.StatusCancelled
		}
		if err := s.Transition(ctx, sub.ID, to, subscriptiondomain.ReasonTrialEnded); err != nil {
			if !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				result.Errs = append(result.Errs, err)
			}
			continue
		}
		if to == subscriptiondomain.StatusActive {
			result.Activated++
		} else {
			result.Cancelled++
		}
	}
}

func (s *Service) tickRollovers(ctx context.Context, now time.Time, result *subscriptiondomain.TickResult) {
	var due []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ?",
			[]subscriptiondomain.Status{subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue}, now).
		Find(&due).Error
	if err != nil {
		result.Errs = append(result.Errs, err)
		return
	}

	for i := range due {
		sub := due[i]

		if sub.CancelAtPeriodEnd {
			// The final period is invoiced but never advanced.
			if err := s.Transition(ctx, sub.ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonPeriodEnded); err != nil {
				if !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
					result.Errs = append(result.Errs, err)
					continue
				}
			} else {
				result.Cancelled++
			}
			if _, err := s.invoiceSvc.Generate(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
				result.Errs = append(result.Errs, err)
			}
			continue
		}

		rolled, err := s.rolloverPeriod(ctx, &sub, now)
		if err != nil {
			result.Errs = append(result.Errs, err)
			continue
		}
		if !rolled {
			continue
		}
		result.RolledOver++

		if _, err := s.invoiceSvc.Generate(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
			// Pricing gaps defer invoicing to the next tick; the guard
			// column has already advanced, so the period is re-derivable
			// from the previous invoice chain.
			result.Errs = append(result.Errs, err)
		}
	}
}

// rolloverPeriod advances the period bounds with an update guarded on the
// old period end. Exactly one of any number of concurrent tickers wins;
// everyone else sees zero rows affected and walks away.
func (s *Service) rolloverPeriod(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	oldStart := sub.CurrentPeriodStart
	oldEnd := sub.CurrentPeriodEnd
	newEnd := oldEnd.AddDate(0, 1, 0)

	updates := map[string]any{
		"current_period_start": oldEnd,
		"current_period_end":   newEnd,
		"next_payment_at":      now,
		"updated_at":           now,
	}
	if sub.PendingPlanID != nil && *sub.PendingPlanID != 0 {
		updates["plan_id"] = *sub.PendingPlanID
		updates["pending_plan_id"] = nil
	}

	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND current_period_end = ?", sub.ID, oldEnd).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	// Keep the closed period on the struct for invoice generation.
	sub.CurrentPeriodStart = oldStart
	sub.CurrentPeriodEnd = oldEnd
	return true, nil
}

func (s *Service) tickGrace(ctx context.Context, now time.Time, result *subscriptiondomain.TickResult) {
	cfg := s.billing.Get()

	var pastDue []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND past_due_since IS NOT NULL AND past_due_since <= ?",
			subscriptiondomain.StatusPastDue, now.Add(-cfg.PastDueGrace)).
		Find(&pastDue).Error
	if err != nil {
		result.Errs = append(result.Errs, err)
	} else {
		for i := range pastDue {
			if err := s.Transition(ctx, pastDue[i].ID, subscriptiondomain.StatusSuspended, subscriptiondomain.ReasonGraceExpired); err != nil {
				if !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
					result.Errs = append(result.Errs, err)
				}
				continue
			}
			result.Suspended++
		}
	}

	var suspended []subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).
		Where("status = ? AND suspended_at IS NOT NULL AND suspended_at <= ?",
			subscriptiondomain.StatusSuspended, now.Add(-cfg.SuspendedGrace)).
		Find(&suspended).Error
	if err != nil {
		result.Errs = append(result.Errs, err)
		return
	}
	for i := range suspended {
		if err := s.Transition(ctx, suspended[i].ID, subscriptiondomain.StatusCancelled, subscriptiondomain.ReasonGraceExpired); err != nil {
			if !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				result.Errs = append(result.Errs, err)
			}
			continue
		}
		result.Cancelled++
	}
}

func (s *Service) lockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	query := tx.WithContext(ctx)
	if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub subscriptiondomain.Subscription
	if err := query.Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}
