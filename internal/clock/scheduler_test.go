package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNow builds a controllable time source starting at a fixed instant
func fakeNow() (func() time.Time, func(d time.Duration)) {
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

// Test_Scheduler_PopDue_Order tests that due timers pop in due order
func Test_Scheduler_PopDue_Order(t *testing.T) {
	now, advance := fakeNow()
	s := newScheduler(now)

	var fired []string
	s.ScheduleOnce(30*time.Millisecond, func(time.Time) { fired = append(fired, "late") })
	s.ScheduleOnce(10*time.Millisecond, func(time.Time) { fired = append(fired, "early") })
	s.ScheduleOnce(20*time.Millisecond, func(time.Time) { fired = append(fired, "middle") })

	advance(50 * time.Millisecond)
	for _, firing := range s.popDue() {
		firing.Fn(now())
	}

	assert.Equal(t, []string{"early", "middle", "late"}, fired, "due timers fire ordered by due time")
}

// Test_Scheduler_OneShot_FiresOnce tests at-most-once firing per due time
func Test_Scheduler_OneShot_FiresOnce(t *testing.T) {
	now, advance := fakeNow()
	s := newScheduler(now)

	s.ScheduleOnce(time.Millisecond, func(time.Time) {})

	advance(10 * time.Millisecond)
	require.Len(t, s.popDue(), 1)

	advance(10 * time.Millisecond)
	assert.Empty(t, s.popDue(), "a one-shot timer never fires a second time")
}

// Test_Scheduler_Repeating_Rearms tests repeating timers advance their due time
func Test_Scheduler_Repeating_Rearms(t *testing.T) {
	now, advance := fakeNow()
	s := newScheduler(now)

	s.ScheduleRepeating(10*time.Millisecond, func(time.Time) {})

	advance(10 * time.Millisecond)
	first := s.popDue()
	require.Len(t, first, 1)

	advance(10 * time.Millisecond)
	second := s.popDue()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Handle, second[0].Handle)
	assert.Equal(t, 10*time.Millisecond, second[0].Due.Sub(first[0].Due), "next firing is one interval later")
}

// Test_Scheduler_Cancel tests cancellation before the next firing
func Test_Scheduler_Cancel(t *testing.T) {
	now, advance := fakeNow()
	s := newScheduler(now)

	kept := s.ScheduleOnce(time.Millisecond, func(time.Time) {})
	dropped := s.ScheduleOnce(time.Millisecond, func(time.Time) {})
	s.Cancel(dropped)

	advance(10 * time.Millisecond)
	fired := s.popDue()
	require.Len(t, fired, 1)
	assert.Equal(t, kept, fired[0].Handle, "a cancelled timer must not fire")

	// Cancelling an unknown or already-fired handle is a no-op.
	s.Cancel(dropped)
	s.Cancel(Handle(9999))
}

// Test_Scheduler_Cancel_Repeating tests that a repeating timer stops firing
func Test_Scheduler_Cancel_Repeating(t *testing.T) {
	now, advance := fakeNow()
	s := newScheduler(now)

	h := s.ScheduleRepeating(10*time.Millisecond, func(time.Time) {})

	advance(10 * time.Millisecond)
	require.Len(t, s.popDue(), 1)

	s.Cancel(h)
	advance(50 * time.Millisecond)
	assert.Empty(t, s.popDue(), "cancellation takes effect before the next firing")
}

// Test_Scheduler_Run_Delivers tests end-to-end delivery on the Due channel
func Test_Scheduler_Run_Delivers(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	h := s.ScheduleOnce(5*time.Millisecond, func(time.Time) {})

	select {
	case firing := <-s.Due():
		assert.Equal(t, h, firing.Handle)
		assert.NotNil(t, firing.Fn)
	case <-time.After(2 * time.Second):
		t.Fatal("timer was never delivered")
	}
}

// Test_Scheduler_Run_EarlierTimerPreempts tests that a newly scheduled earlier
// timer fires before an already-armed later one
func Test_Scheduler_Run_EarlierTimerPreempts(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	late := s.ScheduleOnce(500*time.Millisecond, func(time.Time) {})
	early := s.ScheduleOnce(5*time.Millisecond, func(time.Time) {})

	select {
	case firing := <-s.Due():
		assert.Equal(t, early, firing.Handle, "the earlier timer must be delivered first")
		s.Cancel(late)
	case <-time.After(2 * time.Second):
		t.Fatal("earlier timer was never delivered")
	}
}
