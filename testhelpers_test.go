package msghub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLogger swallows all log output during tests.
type testLogger struct{}

func (l *testLogger) Info(msg string, args ...any)  {}
func (l *testLogger) Error(msg string, args ...any) {}
func (l *testLogger) Warn(msg string, args ...any)  {}
func (l *testLogger) Debug(msg string, args ...any) {}

// newTestApp builds an application with an echo gateway and launches it.
// The application is shut down when the test finishes.
func newTestApp(t *testing.T, opts ...Option) *Application {
	t.Helper()
	app := newUnlaunchedTestApp(t, opts...)
	require.NoError(t, app.Launch())
	return app
}

// newUnlaunchedTestApp builds the test application without launching it,
// for tests that need to add gateways or items first.
func newUnlaunchedTestApp(t *testing.T, opts ...Option) *Application {
	t.Helper()
	opts = append([]Option{WithLogger(&testLogger{}), WithAutosavePeriod(0)}, opts...)
	app := New(opts...)
	require.NoError(t, app.AddGateway(EchoGatewayID, NewEchoGateway()))
	t.Cleanup(func() {
		if app.IsLaunched() {
			app.RequestExit()
			app.Wait()
		}
	})
	return app
}

// flush blocks until every action enqueued before the call has executed,
// and then until the actions those enqueued while running have executed
// too. A publish to the echo or mailbox gateway needs both passes: the
// publish action, then the received message it pushes back.
func flush(t *testing.T, app *Application) {
	t.Helper()
	for pass := 0; pass < 2; pass++ {
		done := make(chan struct{})
		_, err := app.InvokeLater(func() { close(done) }, 0)
		require.NoError(t, err)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch queue did not drain")
		}
	}
}

// recorder collects delivered messages for later assertions.
type recorder struct {
	mu       sync.Mutex
	messages []*Message
}

func (r *recorder) listener(msg *Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message{}, r.messages...)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		topics = append(topics, m.Topic())
	}
	return topics
}
