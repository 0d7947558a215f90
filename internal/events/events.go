package events

// Billing event types emitted through the outbox.
const (
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventInvoiceOverdue        = "invoice.overdue"
	EventSubscriptionSuspended = "subscription.suspended"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventUsageQuotaExceeded    = "usage.quota_exceeded"
)

// InvoicePayload captures the minimal data consumers need to act on an
// invoice event.
type InvoicePayload struct {
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	InvoiceNumber  string `json:"invoice_number,omitempty"`
	AmountMinor    int64  `json:"amount_minor,omitempty"`
	Currency       string `json:"currency,omitempty"`
}

func (p InvoicePayload) ToMap() map[string]any {
	payload := map[string]any{
		"invoice_id":      p.InvoiceID,
		"subscription_id": p.SubscriptionID,
	}
	if p.InvoiceNumber != "" {
		payload["invoice_number"] = p.InvoiceNumber
	}
	if p.AmountMinor != 0 {
		payload["amount_minor"] = p.AmountMinor
	}
	if p.Currency != "" {
		payload["currency"] = p.Currency
	}
	return payload
}

// SubscriptionPayload carries lifecycle transition details.
type SubscriptionPayload struct {
	SubscriptionID string `json:"subscription_id"`
	FromState      string `json:"from_state"`
	ToState        string `json:"to_state"`
	Reason         string `json:"reason,omitempty"`
}

func (p SubscriptionPayload) ToMap() map[string]any {
	payload := map[string]any{
		"subscription_id": p.SubscriptionID,
		"from_state":      p.FromState,
		"to_state":        p.ToState,
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}
	return payload
}

// QuotaExceededPayload records a hard-limit rejection.
type QuotaExceededPayload struct {
	UsageType   string `json:"usage_type"`
	PeriodStart string `json:"period_start"`
	HardLimit   int64  `json:"hard_limit"`
}

func (p QuotaExceededPayload) ToMap() map[string]any {
	return map[string]any{
		"usage_type":   p.UsageType,
		"period_start": p.PeriodStart,
		"hard_limit":   p.HardLimit,
	}
}
