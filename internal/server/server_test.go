package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	invoiceservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/service"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/adapters"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	paymentservice "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/service"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/webhook"
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

type apiGateway struct {
	name    string
	outcome *paymentdomain.ChargeResult
	calls   int
}

func (g *apiGateway) Gateway() string { return g.name }

func (g *apiGateway) NewAdapter(paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	return g, nil
}

func (g *apiGateway) Charge(context.Context, paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	g.calls++
	if g.outcome == nil {
		return nil, paymentdomain.ErrGatewayDeclined
	}
	return g.outcome, nil
}

func (g *apiGateway) Verify(context.Context, []byte, http.Header) error { return nil }

func (g *apiGateway) Parse(context.Context, []byte) (*paymentdomain.GatewayEvent, error) {
	return nil, paymentdomain.ErrEventIgnored
}

type serverFixture struct {
	db         *gorm.DB
	srv        *Server
	clk        *clock.FakeClock
	gateway    *apiGateway
	invoiceSvc invoicedomain.Service
	tenantID   snowflake.ID
	planID     snowflake.ID
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	f := &serverFixture{
		db:       db,
		clk:      clk,
		gateway:  &apiGateway{name: "alpha"},
		tenantID: node.Generate(),
		planID:   node.Generate(),
	}

	require.NoError(t, db.Create(&pricingdomain.Plan{
		ID:             f.planID,
		Code:           "pro",
		Name:           "Pro",
		BasePriceMinor: 10000,
		Currency:       "INR",
		Active:         true,
	}).Error)
	require.NoError(t, db.Create(&usagedomain.PlanUsageLimit{
		ID:               node.Generate(),
		PlanID:           f.planID,
		BusinessType:     "saas",
		UsageType:        "api_calls",
		IncludedUnits:    1000,
		OverageRateMinor: 5,
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

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Clock: clk,
	})
	pricingSvc := pricingservice.NewService(pricingservice.ServiceParam{
		DB: db, Log: log, GenID: node,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
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
		InvoiceSvc: invoiceSvc,
	})
	registry := adapters.NewRegistry(f.gateway)
	orch := paymentservice.NewOrchestrator(paymentservice.OrchestratorParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		Registry:   registry,
		InvoiceSvc: invoiceSvc,
		SubSvc:     subSvc,
		PricingSvc: pricingSvc,
	})
	webhookSvc := webhook.NewService(webhook.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Billing:    billing,
		Adapters:   registry,
		InvoiceSvc: invoiceSvc,
		SubSvc:     subSvc,
	})

	engine := NewEngine(observability.Config{}, nil)
	f.srv = NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{HTTPAddr: ":0"},
		DB:              db,
		GenID:           node,
		Clock:           clk,
		UsageSvc:        usageSvc,
		PricingSvc:      pricingSvc,
		SubscriptionSvc: subSvc,
		InvoiceSvc:      invoiceSvc,
		Orchestrator:    orch,
		WebhookSvc:      webhookSvc,
	})
	f.invoiceSvc = invoiceSvc
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, tenant bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant {
		req.Header.Set(HeaderTenant, f.tenantID.String())
	}
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createSubscription(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/subscriptions", gin.H{
		"plan_id":       f.planID.String(),
		"business_type": "saas",
		"country_code":  "IN",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListPlans_Public(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/plans", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pro"`)
}

func TestTenantHeader_Required(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/usage/events", gin.H{"usage_type": "api_calls", "quantity": 1}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/current", nil)
	req.Header.Set(HeaderTenant, "not-a-snowflake")
	rec2 := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestSubscriptionLifecycle_OverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.createSubscription(t)

	// Double signup for the same tenant conflicts.
	rec := f.do(t, http.MethodPost, "/v1/subscriptions", gin.H{
		"plan_id":       f.planID.String(),
		"business_type": "saas",
		"country_code":  "IN",
	}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/subscriptions/current", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active"`)

	rec = f.do(t, http.MethodPost, "/v1/subscriptions/current/cancel", gin.H{"at_period_end": true}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CancelAtPeriodEnd":true`)
}

func TestRecordUsage_OverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.createSubscription(t)

	rec := f.do(t, http.MethodPost, "/v1/usage/events", gin.H{
		"usage_type": "api_calls",
		"quantity":   25,
		"dedup_key":  "req-1",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Replayed dedup key is accepted and does not double count.
	rec = f.do(t, http.MethodPost, "/v1/usage/events", gin.H{
		"usage_type": "api_calls",
		"quantity":   25,
		"dedup_key":  "req-1",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var counter usagedomain.PeriodCounter
	require.NoError(t, f.db.First(&counter, "tenant_id = ?", f.tenantID).Error)
	assert.Equal(t, int64(25), counter.UsedUnits)

	// Unknown usage types are rejected, not silently accepted.
	rec = f.do(t, http.MethodPost, "/v1/usage/events", gin.H{
		"usage_type": "widgets",
		"quantity":   1,
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvoiceEndpoints_OverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.createSubscription(t)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "tenant_id = ?", f.tenantID).Error)

	f.clk.Advance(31 * 24 * time.Hour)
	inv, err := f.invoiceSvc.Generate(context.Background(), sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/invoices", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), inv.ID.String())

	rec = f.do(t, http.MethodGet, "/v1/invoices/"+inv.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/invoices/"+inv.ID.String()+"/lines", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"base_fee"`)

	// Charge through the ops endpoint settles it.
	f.gateway.outcome = &paymentdomain.ChargeResult{GatewayRef: "ref_http"}
	rec = f.do(t, http.MethodPost, "/ops/invoices/"+inv.ID.String()+"/charge", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := f.invoiceSvc.GetByID(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, got.Status)
}

func TestBillingTick_OverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.createSubscription(t)

	f.clk.Advance(32 * 24 * time.Hour)
	rec := f.do(t, http.MethodPost, "/v1/billing/tick", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rolled_over":1`)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGatewayWebhook_OverHTTP(t *testing.T) {
	f := newServerFixture(t)
	f.createSubscription(t)

	// Events the adapter does not act on still get a 200.
	rec := f.do(t, http.MethodPost, "/v1/webhooks/alpha", gin.H{"type": "ping"}, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/webhooks/nosuch", gin.H{"type": "ping"}, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
