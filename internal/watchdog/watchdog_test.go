package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	level   string
	message string
	fields  map[string]interface{}
}

type fakeAlerter struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeAlerter) SendError(_ context.Context, message string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{"error", message, fields})
	return nil
}

func (f *fakeAlerter) SendWarning(_ context.Context, message string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{"warning", message, fields})
	return nil
}

func TestCheckAlertsOnTransitions(t *testing.T) {
	var feedErr, compErr error
	al := &fakeAlerter{}
	w := New(Config{Interval: time.Second}, al, nil,
		Probe{Name: "price_feed", Check: func() error { return feedErr }},
		Probe{Name: "components", Check: func() error { return compErr }},
	)

	assert.Empty(t, w.Check(context.Background()))
	assert.Equal(t, StateHealthy, w.State())
	assert.Empty(t, al.sent)

	feedErr = errors.New("stale")
	compErr = errors.New("feed exited")
	failing := w.Check(context.Background())
	assert.Len(t, failing, 2)
	assert.Equal(t, StateDegraded, w.State())
	require.Len(t, al.sent, 1)
	assert.Equal(t, "error", al.sent[0].level)
	assert.Equal(t, "⚠️ Grid bot degraded: components, price_feed", al.sent[0].message)
	assert.Equal(t, "stale", al.sent[0].fields["price_feed"])

	// 失败集合不变时不重复告警
	w.Check(context.Background())
	assert.Len(t, al.sent, 1)

	compErr = nil
	w.Check(context.Background())
	require.Len(t, al.sent, 2)
	assert.Equal(t, "⚠️ Grid bot degraded: price_feed", al.sent[1].message)

	feedErr = nil
	w.Check(context.Background())
	require.Len(t, al.sent, 3)
	assert.Equal(t, sent{"warning", "Grid bot recovered", nil}, al.sent[2])
	assert.Equal(t, StateHealthy, w.State())
}

func TestCheckSuppressedDuringGrace(t *testing.T) {
	al := &fakeAlerter{}
	w := New(Config{Interval: time.Second, Grace: time.Minute}, al, nil,
		Probe{Name: "components", Check: func() error { return errors.New("not started") }})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	w.started = now

	w.Check(context.Background())
	assert.Equal(t, StateDegraded, w.State())
	assert.Empty(t, al.sent)
}

func TestStaleness(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	var last time.Time
	check := Staleness(func() time.Time { return last }, time.Minute, func() time.Time { return now })

	assert.NoError(t, check())
	last = now.Add(-30 * time.Second)
	assert.NoError(t, check())
	last = now.Add(-3 * time.Minute)
	err := check()
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorContains(t, err, "3m0s ago")
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls int
	var mu sync.Mutex
	w := New(Config{Interval: 5 * time.Millisecond}, nil, nil, Probe{Name: "p", Check: func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "HEALTHY", StateHealthy.String())
	assert.Equal(t, "DEGRADED", StateDegraded.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}
