package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTimers(t *testing.T) {
	timers := DefaultTimers()

	assert.Equal(t, 500*time.Millisecond, timers.T1)
	assert.Equal(t, 4*time.Second, timers.T2)
	assert.Equal(t, 5*time.Second, timers.T4)
	assert.Equal(t, 32*time.Second, timers.TimerB)
	assert.Equal(t, 32*time.Second, timers.TimerF)
	assert.Equal(t, 32*time.Second, timers.TimerD)
	assert.Equal(t, 32*time.Second, timers.TimerH)
	assert.Equal(t, 5*time.Second, timers.TimerI)
	assert.Equal(t, 5*time.Second, timers.TimerK)
	require.NoError(t, timers.Validate())
}

func TestNewTimersDerivesFromBase(t *testing.T) {
	timers := NewTimers(100*time.Millisecond, time.Second, 2*time.Second)

	assert.Equal(t, 6400*time.Millisecond, timers.TimerB)
	assert.Equal(t, 6400*time.Millisecond, timers.TimerL)
	assert.Equal(t, 2*time.Second, timers.TimerI)
	require.NoError(t, timers.Validate())
}

func TestTimersValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Timers)
	}{
		{"zero T1", func(tm *Timers) { tm.T1 = 0 }},
		{"T2 below T1", func(tm *Timers) { tm.T2 = tm.T1 / 2 }},
		{"zero T4", func(tm *Timers) { tm.T4 = 0 }},
		{"negative C", func(tm *Timers) { tm.TimerC = -time.Second }},
		{"zero D", func(tm *Timers) { tm.TimerD = 0 }},
		{"zero M", func(tm *Timers) { tm.TimerM = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timers := DefaultTimers()
			tt.mutate(&timers)
			assert.Error(t, timers.Validate())
		})
	}

	// C = 0 отключает таймер и допустим
	timers := DefaultTimers()
	timers.TimerC = 0
	assert.NoError(t, timers.Validate())
}

func TestRetransmitInterval(t *testing.T) {
	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second

	tests := []struct {
		count   int
		ceiling time.Duration
		want    time.Duration
	}{
		{0, 0, 500 * time.Millisecond},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{5, 0, 16 * time.Second},
		{6, 0, 32 * time.Second},
		{2, t2, 2 * time.Second},
		{3, t2, 4 * time.Second},
		{4, t2, 4 * time.Second},
		{10, t2, 4 * time.Second},
		{-1, 0, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RetransmitInterval(t1, tt.count, tt.ceiling), "count=%d ceiling=%s", tt.count, tt.ceiling)
	}

	// Большие счетчики не переполняются
	assert.Greater(t, RetransmitInterval(t1, 200, 0), time.Duration(0))
}

func TestHasTimedOut(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timeout := 32 * time.Second

	assert.False(t, HasTimedOut(start, start, timeout))
	assert.False(t, HasTimedOut(start, start.Add(timeout-time.Millisecond), timeout))
	assert.True(t, HasTimedOut(start, start.Add(timeout), timeout))
	assert.True(t, HasTimedOut(start, start.Add(time.Hour), timeout))
}

func TestRetransmissionSchedule(t *testing.T) {
	t1 := 500 * time.Millisecond
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := NewRetransmission(start)

	assert.False(t, rt.Due(start.Add(499*time.Millisecond), t1, 0))
	require.True(t, rt.Due(start.Add(500*time.Millisecond), t1, 0))

	rt = rt.Next(start.Add(500 * time.Millisecond))
	assert.Equal(t, 1, rt.Count)
	assert.Equal(t, start.Add(500*time.Millisecond), rt.LastAt)

	// Второй интервал 2*T1
	assert.False(t, rt.Due(start.Add(1499*time.Millisecond), t1, 0))
	assert.True(t, rt.Due(start.Add(1500*time.Millisecond), t1, 0))
}

// Число ретрансмиссий до таймаута 64*T1: интервалы 0.5, 1, 2, 4, 8, 16 секунд
func TestRetransmissionsFitBeforeTimeout(t *testing.T) {
	timers := DefaultTimers()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := NewRetransmission(start)

	for now := start; !HasTimedOut(start, now, timers.TimerB); now = now.Add(100 * time.Millisecond) {
		if rt.Due(now, timers.T1, 0) {
			rt = rt.Next(now)
		}
	}
	assert.Equal(t, 6, rt.Count)
	assert.Equal(t, start.Add(31500*time.Millisecond), rt.LastAt)
}
