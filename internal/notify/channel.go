// Package notify is the fire-and-forget notification side channel. Events
// are published onto an in-process bus and dispatched asynchronously; a
// delivery failure never propagates back into the state change that raised
// the event.
package notify

import (
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/tillcode/tillgrid/config"
	"github.com/tillcode/tillgrid/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// TopicEvents is the bus topic every notification event is published on.
const TopicEvents = "tillgrid.notify"

// Severity levels.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Event is one notification.
type Event struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel publishes events and fans them out to subscribers.
type Channel struct {
	bus  EventBus.Bus
	pool *ants.Pool
	smtp config.SmtpConfig
}

// NewChannel builds the side channel. The log subscriber is always
// attached; the mail subscriber only when SMTP is configured.
func NewChannel(smtp config.SmtpConfig) (*Channel, error) {
	pool, err := ants.NewPool(8, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	c := &Channel{
		bus:  EventBus.New(),
		pool: pool,
		smtp: smtp,
	}
	if err := c.bus.Subscribe(TopicEvents, c.logEvent); err != nil {
		return nil, err
	}
	if smtp.Host != "" && smtp.To != "" {
		if err := c.bus.Subscribe(TopicEvents, c.mailEvent); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Publish emits one event asynchronously. It never blocks and never fails
// the caller; a saturated pool only drops the dispatch with a log line.
func (c *Channel) Publish(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	err := c.pool.Submit(func() {
		c.bus.Publish(TopicEvents, ev)
	})
	if err != nil {
		zap.L().Warn("notification dispatch dropped", zap.String("title", ev.Title), zap.Error(err))
	}
}

// OrderConfirmed implements the order ledger notifier.
func (c *Channel) OrderConfirmed(order *domain.Order) {
	where := order.TableLabel
	if where == "" {
		where = order.DeliveryAddress
	}
	c.Publish(Event{
		Title:    "Order confirmed",
		Message:  fmt.Sprintf("order %s (%s) total %d confirmed", order.ID, where, order.TotalAmount),
		Severity: SeverityInfo,
	})
}

// PaymentOutcome implements the payment engine notifier.
func (c *Channel) PaymentOutcome(tx *domain.PaymentTransaction, applied bool) {
	severity := SeverityInfo
	title := "Payment " + tx.Status
	if tx.Status == domain.PaymentFailed {
		severity = SeverityWarning
	}
	msg := fmt.Sprintf("payment %s for %s %s: %s", tx.NaturalKey, tx.SubjectType, tx.SubjectID, tx.Status)
	if !applied {
		msg += " (duplicate delivery)"
	}
	c.Publish(Event{Title: title, Message: msg, Severity: severity})
}

// Close drains the dispatch pool.
func (c *Channel) Close() {
	c.pool.Release()
}

func (c *Channel) logEvent(ev Event) {
	zap.L().Info("notification",
		zap.String("title", ev.Title),
		zap.String("message", ev.Message),
		zap.String("severity", ev.Severity))
}

func (c *Channel) mailEvent(ev Event) {
	m := gomail.NewMessage()
	m.SetHeader("From", c.smtp.From)
	m.SetHeader("To", c.smtp.To)
	m.SetHeader("Subject", fmt.Sprintf("[tillgrid] %s", ev.Title))
	m.SetBody("text/plain", ev.Message)

	d := gomail.NewDialer(c.smtp.Host, c.smtp.Port, c.smtp.Username, c.smtp.Password)
	if err := d.DialAndSend(m); err != nil {
		zap.L().Warn("notification mail delivery failed", zap.Error(err))
	}
}
