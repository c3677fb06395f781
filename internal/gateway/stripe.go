package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/harborpanel/bursar/pkg/billing"
	"github.com/harborpanel/bursar/pkg/logging"
)

// ErrNoPaymentMethod is returned when an off-session charge is requested
// for a customer without a stored payment method.
var ErrNoPaymentMethod = errors.New("customer has no stored payment method")

// Client wraps the Stripe API operations the wallet needs: customer
// lifecycle, hosted checkout for top-ups, and off-session charges for
// automatic replenishment.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// CustomerInfo represents owner data for Stripe customer creation
type CustomerInfo struct {
	OwnerID string
	Email   string
	Name    string
}

// CreateOrGetCustomer finds an existing customer by owner ID or creates
// a new one.
func (c *Client) CreateOrGetCustomer(ctx context.Context, info CustomerInfo) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['owner_id']:'%s'", info.OwnerID)
	iter := customer.Search(params)

	for iter.Next() {
		cust := iter.Customer()
		c.logger.WithField("customer_id", cust.ID).Debug("Found existing Stripe customer")
		return cust, nil
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Error searching for Stripe customer, will create new")
	}

	cust, err := customer.New(&stripe.CustomerParams{
		Email: stripe.String(info.Email),
		Name:  stripe.String(info.Name),
		Metadata: map[string]string{
			"owner_id": info.OwnerID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe customer: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id": cust.ID,
		"owner_id":    info.OwnerID,
	}).Info("Created new Stripe customer")

	return cust, nil
}

// DeleteCustomer removes the Stripe customer and its stored payment
// methods. Called by the orphan unwind when the owning account is gone.
// A customer that is already deleted is not an error.
func (c *Client) DeleteCustomer(ctx context.Context, customerID string) error {
	_, err := customer.Del(customerID, nil)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			c.logger.WithField("customer_id", customerID).Debug("Stripe customer already gone")
			return nil
		}
		return fmt.Errorf("failed to delete Stripe customer: %w", err)
	}

	c.logger.WithField("customer_id", customerID).Info("Deleted Stripe customer")
	return nil
}

// ChargeStoredMethod charges the customer's default card off-session.
// Used by the auto top-up engine; the customer confirmed nothing for
// this specific charge, so the payment intent is created confirmed with
// off_session set. Returns the payment intent ID as the gateway
// reference for the ledger row.
func (c *Client) ChargeStoredMethod(ctx context.Context, customerID string, amountCents int64, description string) (string, error) {
	pmIter := paymentmethod.List(&stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	})
	var pm *stripe.PaymentMethod
	for pmIter.Next() {
		pm = pmIter.PaymentMethod()
		break
	}
	if err := pmIter.Err(); err != nil {
		return "", fmt.Errorf("failed to list payment methods: %w", err)
	}
	if pm == nil {
		return "", ErrNoPaymentMethod
	}

	pi, err := paymentintent.New(&stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(billing.DefaultCurrency()),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(pm.ID),
		Description:   stripe.String(description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("off-session charge failed: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("off-session charge not settled, status %s", pi.Status)
	}

	c.logger.WithFields(logging.Fields{
		"customer_id":  customerID,
		"amount_cents": amountCents,
		"intent_id":    pi.ID,
	}).Info("Off-session charge succeeded")

	return pi.ID, nil
}

// TopUpSessionParams for creating a hosted top-up checkout session
type TopUpSessionParams struct {
	CustomerID  string // Stripe customer ID
	OwnerID     string // For metadata
	AmountCents int64
	SuccessURL  string
	CancelURL   string
}

// CreateTopUpSession creates a one-time-payment Checkout Session for a
// manual wallet top-up. The wallet is only credited when the webhook
// confirms the session completed; creating the session moves no money.
func (c *Client) CreateTopUpSession(ctx context.Context, params TopUpSessionParams) (*stripe.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Customer: stripe.String(params.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(billing.DefaultCurrency()),
					UnitAmount: stripe.Int64(params.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Wallet top-up"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"owner_id": params.OwnerID,
			"purpose":  "wallet_topup",
		},
		// Store the card so auto top-up can charge it later.
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
		},
	}

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create top-up session: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id":   sess.ID,
		"owner_id":     params.OwnerID,
		"amount_cents": params.AmountCents,
	}).Info("Created Stripe top-up session")

	return sess, nil
}

// RefundPayment returns a settled payment to the card. Returns the
// refund ID as the gateway reference for the ledger row.
func (c *Client) RefundPayment(ctx context.Context, paymentIntentID string, amountCents int64, reason string) (string, error) {
	r, err := refund.New(&stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Amount:        stripe.Int64(amountCents),
		Metadata: map[string]string{
			"reason": reason,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create refund: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"refund_id":    r.ID,
		"intent_id":    paymentIntentID,
		"amount_cents": amountCents,
	}).Info("Refund issued")

	return r.ID, nil
}

// VerifyAndParseWebhook verifies the webhook signature and parses the event
func (c *Client) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return &event, nil
}

// CheckoutSessionFromEvent extracts checkout session from a webhook event
func (c *Client) CheckoutSessionFromEvent(event *stripe.Event) (*stripe.CheckoutSession, error) {
	if event.Type != "checkout.session.completed" {
		return nil, fmt.Errorf("event type %s is not checkout.session.completed", event.Type)
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	return &sess, nil
}

// PaymentIntentFromEvent extracts a payment intent from a webhook event
func (c *Client) PaymentIntentFromEvent(event *stripe.Event) (*stripe.PaymentIntent, error) {
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := pi.UnmarshalJSON(event.Data.Raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		return &pi, nil
	default:
		return nil, fmt.Errorf("event type %s does not contain payment intent data", event.Type)
	}
}
