package msghub

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("local/a", rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/a", []byte("1")))
	flush(t, app)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "local/a", msgs[0].Topic())
	assert.Equal(t, []byte{0x31}, msgs[0].Payload())
}

func TestWildcardSubscriptionSeesAllMatches(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("local/+", rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/x", nil))
	require.NoError(t, app.Publish("local/y", nil))
	flush(t, app)

	assert.Equal(t, []string{"local/x", "local/y"}, rec.topics())
}

func TestPriorityOrdering(t *testing.T) {
	app := newTestApp(t)

	var mu sync.Mutex
	var order []int
	record := func(priority int) MessageListener {
		return func(msg *Message) error {
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			return nil
		}
	}

	_, err := app.SubscribeWithPriority("local/t", 0, record(0))
	require.NoError(t, err)
	_, err = app.SubscribeWithPriority("local/t", 10, record(10))
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/t", nil))
	flush(t, app)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 0}, order)
}

func TestGlobalMultiLevelFilterSeesEveryGateway(t *testing.T) {
	app := newTestApp(t)
	flush(t, app) // let $SYS/start pass before subscribing

	rec := &recorder{}
	sub, err := app.Subscribe("#", rec.listener)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, app.Publish("local/a/b", nil))
	mailbox := app.CreateMailboxTopic()
	require.NoError(t, app.Publish(mailbox, []byte("m")))
	flush(t, app)

	topics := rec.topics()
	assert.Contains(t, topics, "local/a/b")
	assert.Contains(t, topics, mailbox)
}

func TestGlobalSingleLevelHeadFilter(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("+/announce", rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/announce", nil))
	require.NoError(t, app.Publish("local/other", nil))
	flush(t, app)

	assert.Equal(t, []string{"local/announce"}, rec.topics())
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	app := newTestApp(t)
	rec := &recorder{}
	sub, err := app.Subscribe("local/c", rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Publish("local/c", nil))
	flush(t, app)
	require.Len(t, rec.snapshot(), 1)

	sub.Close()
	sub.Close() // idempotent
	require.NoError(t, app.Publish("local/c", nil))
	flush(t, app)
	assert.Len(t, rec.snapshot(), 1)
}

func TestSubscriptionChangeReachesGateway(t *testing.T) {
	gw := &filterTrackingGateway{}
	app := newUnlaunchedTestApp(t)
	require.NoError(t, app.AddGateway("tracked", gw))
	require.NoError(t, app.Launch())

	sub, err := app.Subscribe("tracked/sensors/#", func(msg *Message) error { return nil })
	require.NoError(t, err)
	flush(t, app)
	assert.Equal(t, []string{"+sensors/#"}, gw.log())

	sub.Close()
	flush(t, app)
	assert.Equal(t, []string{"+sensors/#", "-sensors/#"}, gw.log())
}

// filterTrackingGateway records filter add/remove calls.
type filterTrackingGateway struct {
	GatewayBase
	mu      sync.Mutex
	changes []string
}

func (g *filterTrackingGateway) OnAddTopicFilter(filter string) error {
	g.mu.Lock()
	g.changes = append(g.changes, "+"+filter)
	g.mu.Unlock()
	return nil
}

func (g *filterTrackingGateway) OnRemoveTopicFilter(filter string) error {
	g.mu.Lock()
	g.changes = append(g.changes, "-"+filter)
	g.mu.Unlock()
	return nil
}

func (g *filterTrackingGateway) OnPublish(msg *Message) error { return nil }

func (g *filterTrackingGateway) IsValidTopicName(topic string) bool { return true }

func (g *filterTrackingGateway) log() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.changes...)
}

func TestMailboxEchoesToSubscribers(t *testing.T) {
	app := newTestApp(t)

	topic := app.CreateMailboxTopic()
	assert.True(t, strings.HasPrefix(topic, MailboxGatewayID+"/mb-uid."))
	assert.NotEqual(t, topic, app.CreateMailboxTopic())

	rec := &recorder{}
	_, err := app.Subscribe(topic, rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Publish(topic, []byte("ping")))
	flush(t, app)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, topic, msgs[0].Topic())
	assert.Equal(t, "ping", msgs[0].PayloadText())
}

func TestSystemStartEmitted(t *testing.T) {
	app := newUnlaunchedTestApp(t)
	rec := &recorder{}
	_, err := app.Subscribe("$SYS/start", rec.listener)
	require.NoError(t, err)

	require.NoError(t, app.Launch())
	flush(t, app)
	assert.Equal(t, []string{"$SYS/start"}, rec.topics())
}

func TestSystemExitStopsApplicationAndSaves(t *testing.T) {
	dir := t.TempDir()
	storage := NewFileStorage(filepath.Join(dir, "state.yaml"))

	app := newUnlaunchedTestApp(t)
	require.NoError(t, app.SetPersistentStorage(storage))
	data := NewDataGateway()
	require.NoError(t, app.AddGateway(DataGatewayID, data))
	require.NoError(t, app.AddDataItem("data/counter", newCounterItem(5)))
	require.NoError(t, app.Launch())

	require.NoError(t, app.Publish("$SYS/exit", nil))

	waitDone := make(chan struct{})
	go func() { app.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not terminate after $SYS/exit")
	}

	raw, err := os.ReadFile(storage.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data/counter")
}

func TestSystemSaveEmitsStateSaved(t *testing.T) {
	dir := t.TempDir()
	app := newUnlaunchedTestApp(t)
	require.NoError(t, app.SetPersistentStorage(NewFileStorage(filepath.Join(dir, "state.yaml"))))
	require.NoError(t, app.Launch())

	rec := &recorder{}
	_, err := app.Subscribe("$SYS/state-saved", rec.listener)
	require.NoError(t, err)
	flush(t, app)

	require.NoError(t, app.Publish("$SYS/save", nil))
	flush(t, app)
	flush(t, app) // the notification is enqueued during the save action

	assert.Equal(t, []string{"$SYS/state-saved"}, rec.topics())
}

func TestSystemGatewayRejectsUnknownTopics(t *testing.T) {
	app := newTestApp(t)
	err := app.Publish("$SYS/reboot", nil)
	assert.ErrorIs(t, err, ErrTopicRejectedByTarget)

	// case-insensitive accept
	assert.NoError(t, app.Publish("$SYS/SAVE", nil))
}

func TestPublishValidation(t *testing.T) {
	app := newTestApp(t)

	assert.ErrorIs(t, app.Publish("", nil), ErrInvalidTopic)
	assert.ErrorIs(t, app.Publish("local/a/+", nil), ErrWildcardInTopic)
	assert.ErrorIs(t, app.Publish("nosuch/a", nil), ErrUnknownGateway)
	assert.ErrorIs(t, app.Publish("local", nil), ErrInvalidTopic)
}

func TestSubscribeValidation(t *testing.T) {
	app := newTestApp(t)

	_, err := app.Subscribe("local/a", nil)
	assert.ErrorIs(t, err, ErrNilListener)

	_, err = app.Subscribe("local/#/b", func(msg *Message) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)

	_, err = app.Subscribe("local", func(msg *Message) error { return nil })
	assert.ErrorIs(t, err, ErrFilterMissingLocalPart)

	_, err = app.Subscribe("nosuch/a", func(msg *Message) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

func TestAddGatewayValidation(t *testing.T) {
	app := New(WithLogger(&testLogger{}))

	assert.ErrorIs(t, app.AddGateway("ok", nil), ErrNilGateway)
	assert.ErrorIs(t, app.AddGateway("$bad", NewEchoGateway()), ErrInvalidGatewayID)
	assert.ErrorIs(t, app.AddGateway("1bad", NewEchoGateway()), ErrInvalidGatewayID)
	assert.ErrorIs(t, app.AddGateway("", NewEchoGateway()), ErrInvalidGatewayID)

	require.NoError(t, app.AddGateway("once", NewEchoGateway()))
	assert.ErrorIs(t, app.AddGateway("once", NewEchoGateway()), ErrDuplicateGatewayID)

	shared := NewEchoGateway()
	require.NoError(t, app.AddGateway("shared", shared))
	other := New(WithLogger(&testLogger{}))
	assert.ErrorIs(t, other.AddGateway("shared", shared), ErrGatewayAlreadyAttached)
}

func TestSettersRejectedAfterLaunch(t *testing.T) {
	app := newTestApp(t)

	assert.ErrorIs(t, app.SetAutosavePeriod(time.Minute), ErrAlreadyLaunched)
	assert.ErrorIs(t, app.SetPersistentStorage(NewFileStorage("x.yaml")), ErrAlreadyLaunched)
	assert.ErrorIs(t, app.AddGateway("late", NewEchoGateway()), ErrAlreadyLaunched)
	assert.ErrorIs(t, app.AddDataItem("data/x", newCounterItem(0)), ErrAlreadyLaunched)
	assert.ErrorIs(t, app.Launch(), ErrAlreadyLaunched)
}

func TestPropertyStore(t *testing.T) {
	app := New(WithLogger(&testLogger{}))

	app.SetProperty("name", "hub")
	app.SetProperty("count", 3)
	app.SetProperty("flag", true)
	app.SetProperty("ratio", 0.5)

	assert.Equal(t, "hub", app.PropertyString("name", ""))
	assert.Equal(t, 3, app.PropertyInt("count", 0))
	assert.True(t, app.PropertyBool("flag", false))
	assert.Equal(t, 0.5, app.PropertyFloat64("ratio", 0))

	assert.Equal(t, "dflt", app.PropertyString("missing", "dflt"))
	assert.Equal(t, 9, app.PropertyInt("name", 9))

	_, ok := app.Property("missing")
	assert.False(t, ok)
}

func TestShutdownHooksRunOnExit(t *testing.T) {
	app := newTestApp(t)

	hookRan := make(chan struct{})
	require.NoError(t, app.AddShutdownHook(func() { close(hookRan) }))

	app.RequestExit()
	app.Wait()

	select {
	case <-hookRan:
	default:
		t.Fatal("shutdown hook did not run")
	}
}

func TestStartupFailureAbortsLaunch(t *testing.T) {
	app := New(WithLogger(&testLogger{}))
	require.NoError(t, app.AddGateway("broken", &failingStartGateway{}))

	err := app.Launch()
	assert.ErrorIs(t, err, ErrStartupAborted)
}

// failingStartGateway refuses to start.
type failingStartGateway struct {
	GatewayBase
}

func (g *failingStartGateway) OnStart(bundles map[string]Bundle) error {
	return assert.AnError
}

func (g *failingStartGateway) OnPublish(msg *Message) error { return nil }

func (g *failingStartGateway) IsValidTopicName(topic string) bool { return true }

func TestAddModule(t *testing.T) {
	app := newUnlaunchedTestApp(t)
	m := &testModule{}
	require.NoError(t, app.AddModule(m))
	assert.True(t, m.attached)

	require.NoError(t, app.Launch())
	assert.ErrorIs(t, app.AddModule(&testModule{}), ErrAlreadyLaunched)
}

type testModule struct {
	attached bool
}

func (m *testModule) Name() string { return "test-module" }

func (m *testModule) Attach(app *Application) error {
	m.attached = true
	return app.AddGateway("frommodule", NewEchoGateway())
}
