package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/skillxchange/trustforge/internal/amount"
)

// PaymentIntents is the part of the Stripe PaymentIntent client the rail
// uses. *paymentintent.Client satisfies it.
type PaymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeRail charges fees by card through Stripe PaymentIntents. The fee
// is read in the configured currency's major unit (two decimals). The
// payer supplies a payment method id as the external reference.
type StripeRail struct {
	intents       PaymentIntents
	currency      string
	webhookSecret string
}

// NewStripeRail creates a rail using the Stripe API with key.
func NewStripeRail(key, currency, webhookSecret string) *StripeRail {
	client := &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: key}
	return NewStripeRailWithClient(client, currency, webhookSecret)
}

// NewStripeRailWithClient creates a rail on an existing client.
func NewStripeRailWithClient(intents PaymentIntents, currency, webhookSecret string) *StripeRail {
	return &StripeRail{intents: intents, currency: strings.ToLower(currency), webhookSecret: webhookSecret}
}

var _ Rail = (*StripeRail)(nil)

func (r *StripeRail) Name() string { return "stripe" }

func (r *StripeRail) Submit(ctx context.Context, req RailRequest) (*RailResult, error) {
	cents, ok := amount.ParseUnits(req.AmountText, 2)
	if !ok || !cents.IsInt64() || cents.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fee %q is not a whole number of cents", ErrInvalidTransfer, req.AmountText)
	}
	if req.ExternalRef == "" {
		return nil, fmt.Errorf("%w: externalRef must be a payment method id", ErrInvalidTransfer)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents.Int64()),
		Currency:      stripe.String(r.currency),
		PaymentMethod: stripe.String(req.ExternalRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("transfer_id", req.TransferID)
	params.AddMetadata("payer", req.From)
	params.AddMetadata("payee", req.To)

	pi, err := r.intents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return intentResult(pi), nil
}

func (r *StripeRail) Status(ctx context.Context, t *Transfer) (*RailResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := r.intents.Get(t.ExternalRef, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	res := intentResult(pi)
	res.ExternalRef = ""
	return res, nil
}

// ParseWebhook verifies a Stripe webhook and returns the PaymentIntent id
// it concerns. Events that are not about a PaymentIntent return "".
func (r *StripeRail) ParseWebhook(payload []byte, signature string) (string, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, r.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(string(ev.Type), "payment_intent.") || ev.Data == nil {
		return "", nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return "", fmt.Errorf("decode payment intent: %w", err)
	}
	return pi.ID, nil
}

func intentResult(pi *stripe.PaymentIntent) *RailResult {
	res := &RailResult{ExternalRef: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		res.Status = StatusFailed
		res.Reason = "payment canceled"
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// Back to requires_payment_method after a confirm means the
		// attempt was declined.
		if pi.LastPaymentError != nil {
			res.Status = StatusFailed
			res.Reason = pi.LastPaymentError.Msg
		} else {
			res.Status = StatusPending
		}
	default:
		res.Status = StatusPending
	}
	return res
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	switch {
	case se.Type == stripe.ErrorTypeCard &&
		(string(se.DeclineCode) == "insufficient_funds" || string(se.Code) == "card_declined"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Msg)
	case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 || se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrRailUnavailable, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransfer, se.Msg)
	}
}
