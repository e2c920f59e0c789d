// Package billing holds the business handlers for payment and sponsorship webhooks.
// Every outbound side effect goes through KeyGuard.Once so replays stay silent.
package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"hookvault/internal/logger"
	"hookvault/internal/notify"
	"hookvault/internal/processing"
)

type Handlers struct {
	notifier notify.Notifier
	logger   logger.Logger
}

func NewHandlers(notifier notify.Notifier, log logger.Logger) *Handlers {
	return &Handlers{notifier: notifier, logger: log}
}

// Routes lists every (provider, event type) this package handles.
func (h *Handlers) Routes() []processing.Route {
	return []processing.Route{
		{Provider: "stripe", EventType: "payment.succeeded", Handler: processing.HandlerFunc(h.stripePayment)},
		{Provider: "stripe", EventType: "payment_intent.succeeded", Handler: processing.HandlerFunc(h.stripePayment)},
		{Provider: "stripe", EventType: "invoice.paid", Handler: processing.HandlerFunc(h.stripeInvoicePaid)},
		{Provider: "stripe", EventType: "customer.subscription.deleted", Handler: processing.HandlerFunc(h.stripeSubscriptionDeleted)},
		{Provider: "patreon", EventType: "members:pledge:create", Handler: processing.HandlerFunc(h.patreonPledge)},
		{Provider: "github", EventType: "sponsorship.created", Handler: processing.HandlerFunc(h.githubSponsorship)},
	}
}

func decode(inv processing.Invocation, v interface{}) error {
	if err := json.Unmarshal(inv.Event.Payload, v); err != nil {
		return processing.Permanent(fmt.Errorf("decode %s payload: %w", inv.Event.EventType, err))
	}
	return nil
}

func (h *Handlers) send(ctx context.Context, inv processing.Invocation, n notify.Notification) error {
	n.EventID = inv.Event.EventID
	n.Provider = inv.Event.Provider
	n.EventType = inv.Event.EventType
	return inv.Keys.Once(ctx, n.IdempotencyKey, func(ctx context.Context) error {
		return h.notifier.Notify(ctx, n)
	})
}

type stripeObject struct {
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			Amount        int64             `json:"amount"`
			AmountPaid    int64             `json:"amount_paid"`
			Currency      string            `json:"currency"`
			Customer      string            `json:"customer"`
			CustomerEmail string            `json:"customer_email"`
			ReceiptEmail  string            `json:"receipt_email"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (h *Handlers) stripePayment(ctx context.Context, inv processing.Invocation) error {
	var p stripeObject
	if err := decode(inv, &p); err != nil {
		return err
	}
	obj := p.Data.Object
	if obj.ID == "" {
		return processing.Permanentf("payment object has no id")
	}

	if obj.ReceiptEmail != "" {
		if err := h.send(ctx, inv, notify.Notification{
			Kind:           notify.KindEmail,
			IdempotencyKey: "email:receipt:" + obj.ID,
			Recipient:      obj.ReceiptEmail,
			Data: map[string]interface{}{
				"template": "payment_receipt",
				"amount":   obj.Amount,
				"currency": obj.Currency,
			},
		}); err != nil {
			return err
		}
	}

	if referrer := obj.Metadata["referrer"]; referrer != "" {
		if err := h.send(ctx, inv, notify.Notification{
			Kind:           notify.KindReferralCredit,
			IdempotencyKey: "referral:" + obj.ID,
			Recipient:      referrer,
			Data: map[string]interface{}{
				"payment_id": obj.ID,
				"amount":     obj.Amount,
				"currency":   obj.Currency,
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) stripeInvoicePaid(ctx context.Context, inv processing.Invocation) error {
	var p stripeObject
	if err := decode(inv, &p); err != nil {
		return err
	}
	obj := p.Data.Object
	if obj.ID == "" {
		return processing.Permanentf("invoice object has no id")
	}
	if obj.CustomerEmail == "" {
		h.logger.DebugwCtx(ctx, "Invoice without customer email, nothing to send", "invoice", obj.ID)
		return nil
	}
	return h.send(ctx, inv, notify.Notification{
		Kind:           notify.KindEmail,
		IdempotencyKey: "email:invoice:" + obj.ID,
		Recipient:      obj.CustomerEmail,
		Data: map[string]interface{}{
			"template": "invoice_paid",
			"amount":   obj.AmountPaid,
			"currency": obj.Currency,
		},
	})
}

func (h *Handlers) stripeSubscriptionDeleted(ctx context.Context, inv processing.Invocation) error {
	var p stripeObject
	if err := decode(inv, &p); err != nil {
		return err
	}
	obj := p.Data.Object
	if obj.Customer == "" {
		return processing.Permanentf("subscription has no customer")
	}
	// one survey per customer, however many subscriptions they cancel
	return h.send(ctx, inv, notify.Notification{
		Kind:           notify.KindPMFSurvey,
		IdempotencyKey: "pmf:" + obj.Customer,
		Recipient:      obj.Customer,
		Data:           map[string]interface{}{"subscription": obj.ID},
	})
}

type patreonMember struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Email                  string `json:"email"`
			FullName               string `json:"full_name"`
			CurrentlyEntitledCents int64  `json:"currently_entitled_amount_cents"`
		} `json:"attributes"`
	} `json:"data"`
}

func (h *Handlers) patreonPledge(ctx context.Context, inv processing.Invocation) error {
	var p patreonMember
	if err := decode(inv, &p); err != nil {
		return err
	}
	if p.Data.ID == "" {
		return processing.Permanentf("pledge has no member id")
	}
	if p.Data.Attributes.Email == "" {
		return nil
	}
	return h.send(ctx, inv, notify.Notification{
		Kind:           notify.KindEmail,
		IdempotencyKey: "email:patreon-welcome:" + p.Data.ID,
		Recipient:      p.Data.Attributes.Email,
		Data: map[string]interface{}{
			"template":     "patreon_welcome",
			"name":         p.Data.Attributes.FullName,
			"amount_cents": p.Data.Attributes.CurrentlyEntitledCents,
		},
	})
}

type githubSponsorship struct {
	Action      string `json:"action"`
	Sponsorship struct {
		NodeID  string `json:"node_id"`
		Sponsor struct {
			Login string `json:"login"`
		} `json:"sponsor"`
		Tier struct {
			Name                string `json:"name"`
			MonthlyPriceInCents int64  `json:"monthly_price_in_cents"`
		} `json:"tier"`
	} `json:"sponsorship"`
}

func (h *Handlers) githubSponsorship(ctx context.Context, inv processing.Invocation) error {
	var p githubSponsorship
	if err := decode(inv, &p); err != nil {
		return err
	}
	s := p.Sponsorship
	if s.NodeID == "" || s.Sponsor.Login == "" {
		return processing.Permanentf("sponsorship is missing node id or sponsor")
	}
	return h.send(ctx, inv, notify.Notification{
		Kind:           notify.KindEmail,
		IdempotencyKey: "email:sponsor:" + s.NodeID,
		Recipient:      s.Sponsor.Login,
		Data: map[string]interface{}{
			"template":    "sponsor_thanks",
			"tier":        s.Tier.Name,
			"monthly_usd": float64(s.Tier.MonthlyPriceInCents) / 100,
		},
	})
}
