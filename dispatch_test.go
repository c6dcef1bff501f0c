package msghub

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnscheduledActionsRunInFIFOOrder(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("local/seq/+", rec.listener)
	require.NoError(t, err)

	topics := []string{"local/seq/a", "local/seq/b", "local/seq/c", "local/seq/d"}
	for _, topic := range topics {
		require.NoError(t, app.Publish(topic, nil))
	}
	flush(t, app)

	assert.Equal(t, topics, rec.topics())
}

func TestInvokeLaterRunsOnDispatchGoroutine(t *testing.T) {
	app := newTestApp(t)

	inApp := make(chan bool, 1)
	_, err := app.InvokeLater(func() { inApp <- app.IsInApplicationThread() }, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case got := <-inApp:
		assert.True(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.False(t, app.IsInApplicationThread())
}

func TestScheduledActionWaitsForEarlierUnscheduledActions(t *testing.T) {
	app := newTestApp(t)

	var delivered atomic.Int64
	_, err := app.Subscribe("local/burst/+", func(msg *Message) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)
	flush(t, app)

	const burst = 50
	for i := 0; i < burst; i++ {
		require.NoError(t, app.Publish("local/burst/n", nil))
	}
	seen := make(chan int64, 1)
	_, err = app.InvokeLater(func() { seen <- delivered.Load() }, 0)
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, int64(burst), got, "scheduled action jumped ahead of pending unscheduled actions")
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled action never ran")
	}
}

func TestFixedRateInvocationAndCancel(t *testing.T) {
	app := newTestApp(t)

	var count atomic.Int64
	schedule, err := app.InvokeAtFixedRate(func() { count.Add(1) }, 50*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(175 * time.Millisecond)
	schedule.Cancel()
	flush(t, app)
	after := count.Load()
	assert.GreaterOrEqual(t, after, int64(2))
	assert.LessOrEqual(t, after, int64(5))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "cancelled schedule kept firing")
}

func TestPublishAtFixedRateDelivers(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("local/tick", rec.listener)
	require.NoError(t, err)

	schedule, err := app.PublishAtFixedRate("local/tick", []byte("t"), 10*time.Millisecond, 25*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	schedule.Cancel()
	flush(t, app)

	assert.GreaterOrEqual(t, len(rec.snapshot()), 2)
}

func TestScheduleCancelIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	schedule, err := app.InvokeLater(func() {}, time.Hour)
	require.NoError(t, err)
	schedule.Cancel()
	schedule.Cancel()
	assert.True(t, schedule.IsCancelled())
}

func TestCancelledOneShotDoesNotRun(t *testing.T) {
	app := newTestApp(t)
	var fired atomic.Bool
	schedule, err := app.InvokeLater(func() { fired.Store(true) }, 40*time.Millisecond)
	require.NoError(t, err)
	schedule.Cancel()

	time.Sleep(100 * time.Millisecond)
	flush(t, app)
	assert.False(t, fired.Load())
}

func TestScheduleValidation(t *testing.T) {
	app := newTestApp(t)

	_, err := app.InvokeLater(nil, time.Second)
	assert.ErrorIs(t, err, ErrNilCallback)

	_, err = app.InvokeLater(func() {}, -time.Second)
	assert.ErrorIs(t, err, ErrNegativeDelay)

	_, err = app.InvokeAtFixedRate(func() {}, 0, 0)
	assert.ErrorIs(t, err, ErrNonPositivePeriod)

	_, err = app.InvokeCron("not a cron expr", func() {})
	assert.Error(t, err)
}

func TestListenerPanicDoesNotKillLoop(t *testing.T) {
	app := newTestApp(t)
	_, err := app.Subscribe("local/boom", func(msg *Message) error {
		panic("listener exploded")
	})
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/boom", nil))
	flush(t, app)

	// loop survived; a later publish still works
	rec := &recorder{}
	_, err = app.Subscribe("local/after", rec.listener)
	require.NoError(t, err)
	require.NoError(t, app.Publish("local/after", nil))
	flush(t, app)
	assert.Len(t, rec.snapshot(), 1)
}
