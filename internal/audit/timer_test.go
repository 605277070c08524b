package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sentinel/internal/cases"
)

func TestTimer_RunsUntilStopped(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	timer := NewTimer(a, 5*time.Millisecond, testLogger())

	go timer.Start(context.Background())

	assert.Eventually(t, func() bool {
		got, err := store.GetTransaction(context.Background(), "tx-1")
		return err == nil && got.Status == cases.StatusApproved
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	assert.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	a, _ := newTestAuditor(t)
	timer := NewTimer(a, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
	assert.False(t, timer.Running())
}

func TestTimer_DefaultInterval(t *testing.T) {
	a, _ := newTestAuditor(t)
	assert.Equal(t, DefaultInterval, NewTimer(a, 0, testLogger()).interval)
}

func TestTimer_SafeRunRecovers(t *testing.T) {
	timer := NewTimer(&Auditor{}, time.Second, testLogger())
	assert.NotPanics(t, func() { timer.safeRun(context.Background()) })
}

func TestTimer_StopWaitsForInFlightPass(t *testing.T) {
	a, store := newTestAuditor(t, tx("tx-1", t0, "London", "GB", "10"))
	store.entered = make(chan struct{})
	store.release = make(chan struct{})
	timer := NewTimer(a, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)
	<-store.entered

	stopped := make(chan struct{})
	go func() {
		timer.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	close(store.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the pass finished")
	}
	assert.False(t, timer.Running())
	assert.Equal(t, cases.StatusApproved, status(t, store, "tx-1").Status)
}
