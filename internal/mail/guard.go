package mail

import (
	"context"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/notify"
)

// BreakerKey is the circuit breaker key for mail delivery.
const BreakerKey = "mail"

// GuardedSender short-circuits sends while the mail circuit is open.
// An open circuit is reported as a send failure, so the notifier falls
// back to the outbox.
type GuardedSender struct {
	inner   notify.MailSender
	breaker *circuitbreaker.Breaker
}

// Guard wraps inner with breaker.
func Guard(inner notify.MailSender, breaker *circuitbreaker.Breaker) *GuardedSender {
	return &GuardedSender{inner: inner, breaker: breaker}
}

// Send delivers msg through the inner sender.
func (g *GuardedSender) Send(ctx context.Context, msg notify.Message) error {
	return g.breaker.Do(BreakerKey, func() error {
		return g.inner.Send(ctx, msg)
	})
}

// Channel reports the inner sender's channel.
func (g *GuardedSender) Channel() cases.Channel {
	if c, ok := g.inner.(interface{ Channel() cases.Channel }); ok {
		return c.Channel()
	}
	return cases.ChannelMail
}
