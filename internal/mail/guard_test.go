package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/notify"
)

type countingSender struct {
	calls int
	err   error
}

func (s *countingSender) Send(context.Context, notify.Message) error {
	s.calls++
	return s.err
}

func TestGuardedSender_OpensAfterFailures(t *testing.T) {
	inner := &countingSender{err: errors.New("relay down")}
	g := Guard(inner, circuitbreaker.New(2, time.Minute))
	msg := notify.Message{To: "ada@example.com"}

	require.Error(t, g.Send(context.Background(), msg))
	require.Error(t, g.Send(context.Background(), msg))

	err := g.Send(context.Background(), msg)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardedSender_PassesThrough(t *testing.T) {
	inner := &countingSender{}
	g := Guard(inner, circuitbreaker.New(2, time.Minute))

	require.NoError(t, g.Send(context.Background(), notify.Message{To: "ada@example.com"}))
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, cases.ChannelMail, g.Channel())

	webhook := Guard(NewWebhookSender("https://relay.example", "s"), circuitbreaker.New(1, time.Minute))
	assert.Equal(t, cases.ChannelWebhook, webhook.Channel())
}
