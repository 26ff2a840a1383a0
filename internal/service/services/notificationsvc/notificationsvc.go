package notificationsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"go.opentelemetry.io/otel"
)

// Email is a customer notification.
type Email struct {
	To      string
	Subject string
	Body    string
	OrderID string
}

type mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer writes e-mails to the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, email Email) error {
	slog.InfoContext(ctx, "Sending email",
		"to", email.To,
		"subject", email.Subject,
		"body", email.Body,
		"order_id", email.OrderID,
	)

	return nil
}

// NotificationService turns saga outcomes into customer e-mails.
type NotificationService struct {
	mailer     mailer
	processing time.Duration
}

type option func(*NotificationService)

// MustNewNotificationService creates a new NotificationService.
func MustNewNotificationService(opts ...option) *NotificationService {
	s := &NotificationService{
		mailer: LogMailer{},
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithMailer(m mailer) option {
	return func(s *NotificationService) {
		s.mailer = m
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithProcessing(d time.Duration) option {
	return func(s *NotificationService) {
		s.processing = d
	}
}

// SubscribedKeys lists the routing keys the notification service consumes.
func SubscribedKeys() []string {
	return []string{event.KeyOrderConfirmed, event.KeyOrderCancelled, event.KeyPaymentRefunded}
}

// Handle composes and sends the e-mail for env.
func (s *NotificationService) Handle(ctx context.Context, env event.Envelope) error {
	ctx, span := otel.Tracer("service").Start(ctx, "NotificationService.Handle")
	defer span.End()

	email, err := compose(env)
	if err != nil {
		return err
	}

	if s.processing > 0 {
		t := time.NewTimer(s.processing)
		select {
		case <-ctx.Done():
			t.Stop()

			return ctx.Err()
		case <-t.C:
		}
	}

	if email.To == "" {
		slog.InfoContext(ctx, "No customer email, notification logged only",
			"event_id", env.EventID,
			"order_id", env.OrderID,
			"subject", email.Subject,
			"body", email.Body,
		)

		return nil
	}

	if err := s.mailer.Send(ctx, email); err != nil {
		return fmt.Errorf("send %q to %s: %w", email.Subject, email.To, err)
	}

	slog.InfoContext(ctx, "Notification sent", "event_id", env.EventID, "saga_id", env.SagaID, "routing_key", env.RoutingKey)

	return nil
}

func compose(env event.Envelope) (Email, error) {
	switch env.RoutingKey {
	case event.KeyOrderConfirmed:
		var p event.OrderConfirmedPayload
		if err := env.DecodePayload(&p); err != nil {
			return Email{}, err
		}

		return Email{
			To:      p.CustomerEmail,
			Subject: "Your order has been confirmed!",
			Body:    fmt.Sprintf("We received %s %s for %d item(s).", p.Amount.StringFixed(2), p.Currency, len(p.Items)),
			OrderID: env.OrderID,
		}, nil

	case event.KeyOrderCancelled:
		var p event.OrderCancelledPayload
		if err := env.DecodePayload(&p); err != nil {
			return Email{}, err
		}
		subject, body := cancellation(p)

		return Email{To: p.CustomerEmail, Subject: subject, Body: body, OrderID: env.OrderID}, nil

	case event.KeyPaymentRefunded:
		var p event.PaymentPayload
		if err := env.DecodePayload(&p); err != nil {
			return Email{}, err
		}

		return Email{
			To:      p.CustomerEmail,
			Subject: "Refund processed",
			Body:    fmt.Sprintf("A refund of %s %s has been issued.", p.Amount.StringFixed(2), p.Currency),
			OrderID: env.OrderID,
		}, nil
	}

	return Email{}, fmt.Errorf("%w: %q", event.ErrUnknownSignal, env.RoutingKey)
}

func cancellation(p event.OrderCancelledPayload) (string, string) {
	switch p.Reason {
	case event.ReasonPaymentFailed:
		return "Your order could not be processed - Payment Failed",
			"Unfortunately, we couldn't process your payment. Please try again with a different payment method."
	case event.ReasonTimeout:
		return "Your order has been cancelled - Timeout",
			"Your order could not be completed within the required time and has been cancelled."
	case event.ReasonCompensation:
		amount := "the full amount"
		if p.RefundAmount != nil {
			amount = p.RefundAmount.StringFixed(2) + " " + p.Currency
		}

		return "Your order has been cancelled - Refund Issued",
			"Your order has been cancelled and a refund of " + amount + " has been issued."
	default:
		return "Your order has been cancelled", "Your order has been cancelled."
	}
}
