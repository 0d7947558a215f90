package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	invoiceservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/service"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	pricingservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/service"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	subscriptionservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/service"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	usageservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// testBody is the wire shape the fake gateway emits; Parse reads the
// canonical event straight out of it.
type testBody struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	InvoiceID  string `json:"invoice_id"`
	GatewayRef string `json:"gateway_ref"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	OccurredAt string `json:"occurred_at"`
}

type fakeGateway struct{ name string }

func (g *fakeGateway) Gateway() string { return g.name }

func (g *fakeGateway) NewAdapter(paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	return g, nil
}

func (g *fakeGateway) Charge(context.Context, paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	return nil, paymentdomain.ErrGatewayTransient
}

func (g *fakeGateway) Verify(_ context.Context, _ []byte, headers http.Header) error {
	if headers.Get("X-Test-Signature") != "valid" {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (g *fakeGateway) Parse(_ context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var body testBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if body.Type == "ignored" {
		return nil, paymentdomain.ErrEventIgnored
	}
	event := &paymentdomain.GatewayEvent{
		Gateway:     g.name,
		EventID:     body.EventID,
		Type:        body.Type,
		GatewayRef:  body.GatewayRef,
		AmountMinor: body.Amount,
		Currency:    body.Currency,
		RawPayload:  payload,
	}
	if body.TenantID != "" {
		id, err := snowflake.ParseString(body.TenantID)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.TenantID = id
	}
	if body.InvoiceID != "" {
		id, err := snowflake.ParseString(body.InvoiceID)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.InvoiceID = id
	}
	if body.OccurredAt != "" {
		at, err := time.Parse(time.RFC3339, body.OccurredAt)
		if err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		event.OccurredAt = at
	}
	return event, nil
}

type webhookFixture struct {
	db         *gorm.DB
	svc        paymentdomain.WebhookProcessor
	invoiceSvc invoicedomain.Service
	clk        *clock.FakeClock
	genID      *snowflake.Node
	tenantID   snowflake.ID
	subID      snowflake.ID
	start      time.Time
	end        time.Time
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&usagedomain.PeriodCounter{},
		&usagedomain.PlanUsageLimit{},
		&pricingdomain.Plan{},
		&pricingdomain.PlanCountryPrice{},
		&pricingdomain.CountryConfig{},
		&pricingdomain.ExchangeRate{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.StateTransition{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.NumberSequence{},
		&paymentdomain.PaymentAttempt{},
		&paymentdomain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	clk := clock.NewFakeClock(end.Add(time.Hour))
	log := zap.NewNop()
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	f := &webhookFixture{
		db:       db,
		clk:      clk,
		genID:    node,
		tenantID: node.Generate(),
		subID:    node.Generate(),
		start:    start,
		end:      end,
	}

	planID := node.Generate()
	require.NoError(t, db.Create(&pricingdomain.Plan{
		ID:             planID,
		Code:           "pro",
		Name:           "Pro",
		BasePriceMinor: 10000,
		Currency:       "INR",
		Active:         true,
	}).Error)
	require.NoError(t, db.Create(&pricingdomain.CountryConfig{
		ID:             node.Generate(),
		CountryCode:    "IN",
		Currency:       "INR",
		TaxName:        "GST",
		TaxRateBps:     1800,
		PrimaryGateway: "alpha",
		GatewayConfig: datatypes.JSONMap{
			"accounts": map[string]any{
				"alpha": map[string]any{"account_id": "alpha_acct"},
			},
		},
	}).Error)
	require.NoError(t, db.Create(&subscriptiondomain.Subscription{
		ID:                 f.subID,
		TenantID:           f.tenantID,
		PlanID:             planID,
		BusinessType:       "saas",
		CountryCode:        "IN",
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: end,
		CurrentPeriodEnd:   end.AddDate(0, 1, 0),
		CreatedAt:          start,
		UpdatedAt:          start,
	}).Error)

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	pricingSvc := pricingservice.NewService(pricingservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	f.invoiceSvc = invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		UsageSvc:   usageSvc,
		PricingSvc: pricingSvc,
	})
	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		PricingSvc: pricingSvc,
		InvoiceSvc: f.invoiceSvc,
	})
	f.svc = NewService(Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		Adapters:   adapters.NewRegistry(&fakeGateway{name: "alpha"}),
		InvoiceSvc: f.invoiceSvc,
		SubSvc:     subSvc,
	})
	return f
}

func (f *webhookFixture) generateInvoice(t *testing.T) *invoicedomain.Invoice {
	t.Helper()
	invoice, err := f.invoiceSvc.Generate(context.Background(), f.subID, f.start, f.end)
	require.NoError(t, err)
	return invoice
}

func (f *webhookFixture) payload(t *testing.T, body testBody) []byte {
	t.Helper()
	if body.OccurredAt == "" {
		body.OccurredAt = f.clk.Now().Format(time.RFC3339)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func signedHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Test-Signature", "valid")
	return h
}

func (f *webhookFixture) storedEvents(t *testing.T) []paymentdomain.WebhookEvent {
	t.Helper()
	var rows []paymentdomain.WebhookEvent
	require.NoError(t, f.db.Order("received_at ASC").Find(&rows).Error)
	return rows
}

func TestIngest_PaymentSucceededSettlesOnce(t *testing.T) {
	f := newWebhookFixture(t)
	invoice := f.generateInvoice(t)
	payload := f.payload(t, testBody{
		EventID:   "evt_1",
		Type:      paymentdomain.EventTypePaymentSucceeded,
		TenantID:  f.tenantID.String(),
		InvoiceID: invoice.ID.String(),
		Amount:    invoice.TotalMinor,
		Currency:  "INR",
	})

	require.NoError(t, f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders()))

	got, err := f.invoiceSvc.GetByID(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, got.Status)
	assert.Equal(t, int64(0), got.AmountDue)

	// Redelivery of the same event id must not touch the invoice again.
	err = f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders())
	assert.ErrorIs(t, err, paymentdomain.ErrDuplicateEvent)

	rows := f.storedEvents(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusProcessed, rows[0].Status)
	require.NotNil(t, rows[0].ProcessedAt)
}

func TestIngest_AlreadySettledIsNoOp(t *testing.T) {
	f := newWebhookFixture(t)
	invoice := f.generateInvoice(t)
	_, err := f.invoiceSvc.ApplyPayment(context.Background(), invoice.ID, invoice.TotalMinor, f.clk.Now())
	require.NoError(t, err)

	payload := f.payload(t, testBody{
		EventID:   "evt_confirm",
		Type:      paymentdomain.EventTypePaymentSucceeded,
		TenantID:  f.tenantID.String(),
		InvoiceID: invoice.ID.String(),
		Amount:    invoice.TotalMinor,
		Currency:  "INR",
	})
	require.NoError(t, f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders()))

	got, err := f.invoiceSvc.GetByID(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, got.TotalMinor, got.AmountPaid)
}

func TestIngest_PaymentFailedMarksPastDue(t *testing.T) {
	f := newWebhookFixture(t)
	invoice := f.generateInvoice(t)
	payload := f.payload(t, testBody{
		EventID:   "evt_fail",
		Type:      paymentdomain.EventTypePaymentFailed,
		TenantID:  f.tenantID.String(),
		InvoiceID: invoice.ID.String(),
		Currency:  "INR",
	})

	require.NoError(t, f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders()))

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", f.subID).Error)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)

	var attempt paymentdomain.PaymentAttempt
	require.NoError(t, f.db.First(&attempt, "invoice_id = ?", invoice.ID).Error)
	assert.Equal(t, paymentdomain.AttemptStatusDeclined, attempt.Status)
	assert.Equal(t, 1, attempt.AttemptNumber)
	require.NotNil(t, attempt.NextRetryAt)
}

func TestIngest_RefundReopensInvoice(t *testing.T) {
	f := newWebhookFixture(t)
	invoice := f.generateInvoice(t)
	_, err := f.invoiceSvc.ApplyPayment(context.Background(), invoice.ID, invoice.TotalMinor, f.clk.Now())
	require.NoError(t, err)

	payload := f.payload(t, testBody{
		EventID:   "evt_refund",
		Type:      paymentdomain.EventTypeRefunded,
		TenantID:  f.tenantID.String(),
		InvoiceID: invoice.ID.String(),
		Amount:    invoice.TotalMinor,
		Currency:  "INR",
	})
	require.NoError(t, f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders()))

	got, err := f.invoiceSvc.GetByID(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusRefunded, got.Status)
	assert.Equal(t, int64(0), got.AmountPaid)
}

func TestIngest_SubscriptionCancelled(t *testing.T) {
	f := newWebhookFixture(t)
	payload := f.payload(t, testBody{
		EventID:  "evt_cancel",
		Type:     paymentdomain.EventTypeSubscriptionCanceled,
		TenantID: f.tenantID.String(),
	})

	require.NoError(t, f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders()))

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", f.subID).Error)
	assert.Equal(t, subscriptiondomain.StatusCancelled, sub.Status)
}

func TestIngest_Rejections(t *testing.T) {
	f := newWebhookFixture(t)
	invoice := f.generateInvoice(t)
	payload := f.payload(t, testBody{
		EventID:   "evt_bad",
		Type:      paymentdomain.EventTypePaymentSucceeded,
		TenantID:  f.tenantID.String(),
		InvoiceID: invoice.ID.String(),
		Amount:    invoice.TotalMinor,
	})

	err := f.svc.Ingest(context.Background(), "alpha", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = f.svc.Ingest(context.Background(), "unknown", payload, signedHeaders())
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayNotFound)

	err = f.svc.Ingest(context.Background(), "alpha", []byte("{not json"), signedHeaders())
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	// Uninteresting gateway chatter is acknowledged without a row.
	err = f.svc.Ingest(context.Background(), "alpha", f.payload(t, testBody{EventID: "evt_noise", Type: "ignored"}), signedHeaders())
	assert.NoError(t, err)

	assert.Empty(t, f.storedEvents(t))

	got, err := f.invoiceSvc.GetByID(context.Background(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.AmountPaid)
}

func TestReprocess_RetriesFailedEvent(t *testing.T) {
	f := newWebhookFixture(t)

	// The settlement webhook can outrun invoice generation.
	missingInvoiceID := f.genID.Generate()
	payload := f.payload(t, testBody{
		EventID:   "evt_early",
		Type:      paymentdomain.EventTypePaymentSucceeded,
		TenantID:  f.tenantID.String(),
		InvoiceID: missingInvoiceID.String(),
		Amount:    11800,
		Currency:  "INR",
	})
	err := f.svc.Ingest(context.Background(), "alpha", payload, signedHeaders())
	require.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	rows := f.storedEvents(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusFailed, rows[0].Status)
	assert.Equal(t, 1, rows[0].RetryCount)

	// Still failing: the invoice does not exist yet.
	n, err := f.svc.Reprocess(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	invoice := f.generateInvoice(t)
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Update("id", missingInvoiceID).Error)

	n, err = f.svc.Reprocess(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.invoiceSvc.GetByID(context.Background(), missingInvoiceID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, got.Status)

	rows = f.storedEvents(t)
	require.Len(t, rows, 1)
	assert.Equal(t, paymentdomain.WebhookStatusProcessed, rows[0].Status)
}
