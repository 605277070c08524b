package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_AggregatesInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", DatabaseChecker(fakePinger{}, time.Second))
	r.Register("audit_timer", TimerChecker("audit_timer", func() bool { return false }))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "audit_timer", statuses[1].Name)
	assert.Equal(t, "not running", statuses[1].Detail)
}

func TestDatabaseChecker_Failure(t *testing.T) {
	st := DatabaseChecker(fakePinger{err: errors.New("connection refused")}, time.Second)(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestRegistry_FillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("outbox", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "outbox", statuses[0].Name)
}
