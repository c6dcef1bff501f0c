package msghub

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultAutosavePeriod is the interval between automatic state saves
// when persistent storage is configured. Zero disables autosave.
const DefaultAutosavePeriod = 30 * time.Minute

var (
	gatewayIDPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	itemSegmentPattern = regexp.MustCompile(`^[.A-Za-z0-9_]+$`)
)

// isValidItemLocalID checks the localized data item id grammar:
// slash-separated segments of letters, digits, dots, and underscores.
func isValidItemLocalID(localID string) bool {
	if localID == "" {
		return false
	}
	for _, segment := range strings.Split(localID, "/") {
		if !itemSegmentPattern.MatchString(segment) {
			return false
		}
	}
	return true
}

// Application is the facade over the dispatch engine, the subscription
// router, the gateway registry, and the data-item layer. Construction and
// wiring happen on the caller's goroutine before Launch; afterwards every
// state mutation runs on the dispatch goroutine, fed by enqueued actions.
//
// Publish, Subscribe, the scheduling methods, property mutation, and
// data-item RequestChange/Invalidate are safe to call from any goroutine.
type Application struct {
	logger     Logger
	dispatcher *dispatcher

	// gateway registry
	registryMu  sync.Mutex
	holders     map[string]*gatewayHolder
	attachOrder []string
	started     []string // ids in actual start order, for reverse stop

	// subscription router (global filters; per-gateway filters live on the
	// holders, all guarded by routerMu)
	routerMu       sync.Mutex
	globalSimple   map[string]*topicFilterEntry
	globalWildcard map[string]*topicFilterEntry

	// property store
	propMu     sync.RWMutex
	properties map[string]any

	// configured before launch, read-only afterwards
	storage        PersistentStorage
	autosavePeriod time.Duration

	hooksMu       sync.Mutex
	shutdownHooks []func()

	observersMu sync.RWMutex
	observers   []observerRegistration

	launched atomic.Bool

	system  *systemGateway
	mailbox *mailboxGateway
}

// Option configures an Application during construction.
type Option func(*Application)

// WithLogger sets the application logger. The default logs through slog.
func WithLogger(logger Logger) Option {
	return func(a *Application) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAutosavePeriod overrides the default autosave period at
// construction time.
func WithAutosavePeriod(period time.Duration) Option {
	return func(a *Application) {
		if period >= 0 {
			a.autosavePeriod = period
		}
	}
}

// New creates an application with the built-in system and mailbox
// gateways attached.
func New(opts ...Option) *Application {
	a := &Application{
		logger:         NewSlogLogger(nil),
		holders:        make(map[string]*gatewayHolder),
		globalSimple:   make(map[string]*topicFilterEntry),
		globalWildcard: make(map[string]*topicFilterEntry),
		properties:     make(map[string]any),
		autosavePeriod: DefaultAutosavePeriod,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.dispatcher = newDispatcher(a, a.logger)

	a.system = newSystemGateway()
	a.mailbox = newMailboxGateway()
	a.attachHolder(SystemGatewayID, a.system)
	a.attachHolder(MailboxGatewayID, a.mailbox)
	return a
}

// attachHolder binds a gateway into the registry without id validation;
// used for the reserved built-ins.
func (a *Application) attachHolder(id string, gw Gateway) {
	attacher := gw.(gatewayAttacher)
	_ = attacher.attach(a, id)
	a.registryMu.Lock()
	a.holders[id] = newGatewayHolder(id, gw)
	a.attachOrder = append(a.attachOrder, id)
	a.registryMu.Unlock()
}

// AddGateway attaches a gateway under the given id. Ids must match
// ^[A-Za-z][A-Za-z0-9]*$, which keeps the reserved "$"-prefixed ids out of
// reach. Gateways must embed GatewayBase and can be attached exactly once,
// before launch.
func (a *Application) AddGateway(id string, gw Gateway) error {
	if gw == nil {
		return ErrNilGateway
	}
	if a.launched.Load() {
		return ErrAlreadyLaunched
	}
	if !gatewayIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidGatewayID, id)
	}
	attacher, ok := gw.(gatewayAttacher)
	if !ok {
		return ErrGatewayMissingBase
	}

	a.registryMu.Lock()
	if _, exists := a.holders[id]; exists {
		a.registryMu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateGatewayID, id)
	}
	a.registryMu.Unlock()

	if err := attacher.attach(a, id); err != nil {
		return err
	}

	a.registryMu.Lock()
	a.holders[id] = newGatewayHolder(id, gw)
	a.attachOrder = append(a.attachOrder, id)
	a.registryMu.Unlock()

	a.logger.Debug("Gateway attached", "gateway", id)
	return nil
}

// AddDataItem attaches a data item under a fully qualified id of the form
// "gatewayId/localId". The head must name an attached data gateway.
func (a *Application) AddDataItem(id string, item Item) error {
	if item == nil {
		return ErrNilItem
	}
	if a.launched.Load() {
		return ErrAlreadyLaunched
	}
	idx := strings.IndexByte(id, '/')
	if idx <= 0 || idx == len(id)-1 {
		return fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	holder := a.holderByID(id[:idx])
	if holder == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGateway, id[:idx])
	}
	dataGw, ok := holder.gateway.(*DataGateway)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotDataGateway, holder.id)
	}
	return dataGw.AddItem(id[idx+1:], item)
}

// GetDataItem returns the item registered under the fully qualified id.
func (a *Application) GetDataItem(id string) (Item, error) {
	idx := strings.IndexByte(id, '/')
	if idx <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	holder := a.holderByID(id[:idx])
	if holder == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, id[:idx])
	}
	dataGw, ok := holder.gateway.(*DataGateway)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotDataGateway, holder.id)
	}
	item, ok := dataGw.Item(id[idx+1:])
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownItem, id)
	}
	return item, nil
}

// ItemOf returns the typed data item registered under id. The stored
// runtime type descriptor must match T exactly.
func ItemOf[T any](app *Application, id string) (*DataItem[T], error) {
	item, err := app.GetDataItem(id)
	if err != nil {
		return nil, err
	}
	typed, ok := item.(*DataItem[T])
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", ErrItemTypeMismatch, id, item.ValueType())
	}
	return typed, nil
}

// AddModule attaches a module, letting it install gateways, items, and
// subscriptions. Modules are attached before launch.
func (a *Application) AddModule(m Module) error {
	if a.launched.Load() {
		return ErrAlreadyLaunched
	}
	if err := m.Attach(a); err != nil {
		return fmt.Errorf("module %s attach failed: %w", m.Name(), err)
	}
	a.logger.Debug("Module attached", "module", m.Name())
	return nil
}

// holderByID looks up a gateway holder.
func (a *Application) holderByID(id string) *gatewayHolder {
	a.registryMu.Lock()
	defer a.registryMu.Unlock()
	return a.holders[id]
}

// holderSnapshot returns the holders in attach order.
func (a *Application) holderSnapshot() []*gatewayHolder {
	a.registryMu.Lock()
	defer a.registryMu.Unlock()
	holders := make([]*gatewayHolder, 0, len(a.attachOrder))
	for _, id := range a.attachOrder {
		holders = append(holders, a.holders[id])
	}
	return holders
}

// Publish submits a message towards the gateway named by the topic head.
// The topic is validated and localized on the calling goroutine; delivery
// to the gateway happens on the dispatch goroutine. Publishes submitted
// after exit has been requested are dropped.
func (a *Application) Publish(topic string, payload []byte) error {
	holder, localized, err := a.resolvePublishTopic(topic)
	if err != nil {
		return err
	}
	a.dispatcher.enqueue(&publishAction{holder: holder, msg: NewMessage(localized, payload)})
	return nil
}

// PublishText publishes a UTF-8 text payload.
func (a *Application) PublishText(topic, text string) error {
	return a.Publish(topic, []byte(text))
}

// resolvePublishTopic validates a fully qualified topic and splits it into
// the target holder and the localized topic.
func (a *Application) resolvePublishTopic(topic string) (*gatewayHolder, string, error) {
	if !IsValidTopicName(topic) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if ContainsWildcard(topic) {
		return nil, "", fmt.Errorf("%w: %q", ErrWildcardInTopic, topic)
	}
	idx := strings.IndexByte(topic, '/')
	if idx <= 0 || idx == len(topic)-1 {
		return nil, "", fmt.Errorf("%w: topic %q has no localized part", ErrInvalidTopic, topic)
	}
	holder := a.holderByID(topic[:idx])
	if holder == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownGateway, topic[:idx])
	}
	localized := topic[idx+1:]
	if !holder.gateway.IsValidTopicName(localized) {
		return nil, "", fmt.Errorf("%w: %q", ErrTopicRejectedByTarget, topic)
	}
	return holder, localized, nil
}

// pushReceived enqueues a message received by the named gateway. Called
// through GatewayBase.HandleReceived from any goroutine.
func (a *Application) pushReceived(id string, msg *Message) error {
	if msg == nil || !IsValidTopicName(msg.Topic()) {
		return ErrInvalidTopic
	}
	if ContainsWildcard(msg.Topic()) {
		return ErrWildcardInTopic
	}
	holder := a.holderByID(id)
	if holder == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGateway, id)
	}
	a.dispatcher.enqueue(&messageReceivedAction{holder: holder, msg: msg})
	return nil
}

// PublishLater publishes once after the given delay.
func (a *Application) PublishLater(topic string, payload []byte, delay time.Duration) (*Schedule, error) {
	return a.schedulePublish(topic, payload, delay, 0, ScheduleOnce)
}

// PublishAtFixedRate publishes repeatedly, planning each firing one period
// after the later of the previous planned time and the previous dequeue.
func (a *Application) PublishAtFixedRate(topic string, payload []byte, initialDelay, period time.Duration) (*Schedule, error) {
	return a.schedulePublish(topic, payload, initialDelay, period, ScheduleFixedRate)
}

// PublishWithFixedDelay publishes repeatedly, measuring the period from
// each dequeue.
func (a *Application) PublishWithFixedDelay(topic string, payload []byte, initialDelay, period time.Duration) (*Schedule, error) {
	return a.schedulePublish(topic, payload, initialDelay, period, ScheduleFixedDelay)
}

func (a *Application) schedulePublish(topic string, payload []byte, initialDelay, period time.Duration, mode ScheduleMode) (*Schedule, error) {
	holder, localized, err := a.resolvePublishTopic(topic)
	if err != nil {
		return nil, err
	}
	s, err := newSchedule(initialDelay, period, mode)
	if err != nil {
		return nil, err
	}
	a.dispatcher.enqueueSchedule(&publishAction{holder: holder, msg: NewMessage(localized, payload)}, s)
	return s, nil
}

// InvokeLater runs fn once on the dispatch goroutine after the delay.
func (a *Application) InvokeLater(fn func(), delay time.Duration) (*Schedule, error) {
	return a.scheduleInvoke(fn, delay, 0, ScheduleOnce)
}

// InvokeAtFixedRate runs fn repeatedly, planning each firing one period
// after the later of the previous planned time and the previous dequeue.
func (a *Application) InvokeAtFixedRate(fn func(), initialDelay, period time.Duration) (*Schedule, error) {
	return a.scheduleInvoke(fn, initialDelay, period, ScheduleFixedRate)
}

// InvokeWithFixedDelay runs fn repeatedly, measuring the period from each
// dequeue.
func (a *Application) InvokeWithFixedDelay(fn func(), initialDelay, period time.Duration) (*Schedule, error) {
	return a.scheduleInvoke(fn, initialDelay, period, ScheduleFixedDelay)
}

func (a *Application) scheduleInvoke(fn func(), initialDelay, period time.Duration, mode ScheduleMode) (*Schedule, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	s, err := newSchedule(initialDelay, period, mode)
	if err != nil {
		return nil, err
	}
	a.dispatcher.enqueueSchedule(&callbackAction{fn: fn}, s)
	return s, nil
}

func newSchedule(initialDelay, period time.Duration, mode ScheduleMode) (*Schedule, error) {
	if initialDelay < 0 {
		return nil, ErrNegativeDelay
	}
	if mode != ScheduleOnce && period <= 0 {
		return nil, ErrNonPositivePeriod
	}
	return &Schedule{initialDelay: initialDelay, period: period, mode: mode}, nil
}

// InvokeCron runs fn on the dispatch goroutine per a standard cron
// expression. Each firing arms the next occurrence until the returned
// schedule is cancelled.
func (a *Application) InvokeCron(expr string, fn func()) (*Schedule, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s := &Schedule{mode: ScheduleOnce}

	var arm func()
	act := &callbackAction{fn: func() {
		fn()
		if !s.IsCancelled() {
			arm()
		}
	}}
	arm = func() {
		delay := time.Until(cronSchedule.Next(time.Now()))
		if delay < 0 {
			delay = 0
		}
		s.mu.Lock()
		s.initialDelay = delay
		s.mu.Unlock()
		a.dispatcher.enqueueSchedule(act, s)
	}
	arm()
	return s, nil
}

// PublishCron publishes per a standard cron expression until the returned
// schedule is cancelled.
func (a *Application) PublishCron(expr, topic string, payload []byte) (*Schedule, error) {
	holder, localized, err := a.resolvePublishTopic(topic)
	if err != nil {
		return nil, err
	}
	msg := NewMessage(localized, payload)
	return a.InvokeCron(expr, func() {
		if err := holder.gateway.OnPublish(msg); err != nil {
			a.logger.Error("Cron publish failed", "topic", topic, "error", err)
		}
	})
}

// SetPersistentStorage configures where state bundles are loaded from and
// saved to. Must be called before launch.
func (a *Application) SetPersistentStorage(storage PersistentStorage) error {
	if a.launched.Load() {
		return ErrAlreadyLaunched
	}
	a.storage = storage
	return nil
}

// SetAutosavePeriod changes the autosave interval. Zero disables
// autosave. Must be called before launch.
func (a *Application) SetAutosavePeriod(period time.Duration) error {
	if a.launched.Load() {
		return ErrAlreadyLaunched
	}
	if period < 0 {
		return ErrNegativeDelay
	}
	a.autosavePeriod = period
	return nil
}

func (a *Application) autosaveInterval() time.Duration {
	return a.autosavePeriod
}

func (a *Application) hasStorage() bool {
	return a.storage != nil
}

// AddShutdownHook registers fn to run on the dispatch goroutine when the
// loop exits, before the final state save.
func (a *Application) AddShutdownHook(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	a.hooksMu.Lock()
	a.shutdownHooks = append(a.shutdownHooks, fn)
	a.hooksMu.Unlock()
	return nil
}

// SetProperty stores an application-scoped property. Safe from any
// goroutine, before and after launch.
func (a *Application) SetProperty(name string, value any) {
	a.propMu.Lock()
	a.properties[name] = value
	a.propMu.Unlock()
}

// Property returns the raw property value.
func (a *Application) Property(name string) (any, bool) {
	a.propMu.RLock()
	defer a.propMu.RUnlock()
	v, ok := a.properties[name]
	return v, ok
}

// PropertyString returns the property as a string, or def on absence or
// kind mismatch.
func (a *Application) PropertyString(name, def string) string {
	if v, ok := a.Property(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// PropertyInt returns the property as an int, or def on absence or kind
// mismatch.
func (a *Application) PropertyInt(name string, def int) int {
	if v, ok := a.Property(name); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// PropertyBool returns the property as a bool, or def on absence or kind
// mismatch.
func (a *Application) PropertyBool(name string, def bool) bool {
	if v, ok := a.Property(name); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// PropertyFloat64 returns the property as a float64, or def on absence or
// kind mismatch.
func (a *Application) PropertyFloat64(name string, def float64) float64 {
	if v, ok := a.Property(name); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

// CreateMailboxTopic returns a fresh, collision-free point-to-point topic
// on the mailbox gateway.
func (a *Application) CreateMailboxTopic() string {
	return a.mailbox.newMailboxTopic()
}

// Logger returns the application logger.
func (a *Application) Logger() Logger {
	return a.logger
}

// IsLaunched reports whether Launch has been called.
func (a *Application) IsLaunched() bool {
	return a.launched.Load()
}

// IsInApplicationThread reports whether the calling goroutine is the
// dispatch goroutine.
func (a *Application) IsInApplicationThread() bool {
	return a.dispatcher.isDispatchGoroutine()
}

// Launch starts the dispatch goroutine, which starts every gateway in
// phase order before draining actions. Launch blocks until startup has
// completed and returns its outcome; a failed gateway start aborts the
// launch with every already-started gateway stopped again.
func (a *Application) Launch() error {
	if !a.launched.CompareAndSwap(false, true) {
		return ErrAlreadyLaunched
	}
	startErr := make(chan error, 1)
	go a.dispatcher.run(startErr)
	if err := <-startErr; err != nil {
		return err
	}
	a.notifyObservers(NewEvent(EventTypeApplicationLaunched, "application", nil))
	return nil
}

// RequestExit asks the dispatch loop to terminate after the action it is
// currently executing. Shutdown hooks, a final state save, and gateway
// stops follow on the dispatch goroutine.
func (a *Application) RequestExit() {
	a.dispatcher.requestExit()
}

// Wait blocks until the dispatch loop has exited and shutdown completed.
func (a *Application) Wait() {
	<-a.dispatcher.done
}

// Run launches the application and blocks until it exits, either through
// "$SYS/exit" or an interrupt/termination signal.
func (a *Application) Run() error {
	if err := a.Launch(); err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.logger.Info("Signal received, shutting down", "signal", sig.String())
		a.RequestExit()
	case <-a.dispatcher.done:
	}
	a.Wait()
	return nil
}

// startOrder computes the phase order: the system gateway, then
// regular gateways in attach order, then late starters in attach order.
func (a *Application) startOrder() []string {
	a.registryMu.Lock()
	defer a.registryMu.Unlock()

	order := []string{SystemGatewayID}
	var late []string
	for _, id := range a.attachOrder {
		if id == SystemGatewayID {
			continue
		}
		gw := a.holders[id].gateway
		if ls, ok := gw.(LateStarter); ok && ls.StartLate() {
			late = append(late, id)
			continue
		}
		order = append(order, id)
	}
	return append(order, late...)
}

// startup runs on the dispatch goroutine before the loop drains actions.
func (a *Application) startup() error {
	bundles := a.loadBundles()

	for _, id := range a.startOrder() {
		holder := a.holderByID(id)
		if err := holder.gateway.OnStart(bundlesForGateway(bundles, id)); err != nil {
			a.logger.Error("Gateway start failed", "gateway", id, "error", err)
			a.stopStarted()
			return fmt.Errorf("%w: gateway %s: %v", ErrStartupAborted, id, err)
		}
		a.started = append(a.started, id)
		a.logger.Debug("Gateway started", "gateway", id)
		a.notifyObservers(NewEvent(EventTypeGatewayStarted, id, nil))
	}
	return nil
}

// loadBundles reads the persisted state map, tolerating failure.
func (a *Application) loadBundles() map[string]Bundle {
	if a.storage == nil {
		return nil
	}
	bundles, err := a.storage.LoadBundles()
	if err != nil {
		a.logger.Error("Loading persisted state failed, starting empty", "error", err)
		return nil
	}
	return bundles
}

// bundlesForGateway localizes the persisted keys "gatewayId/subkey" for
// one gateway.
func bundlesForGateway(bundles map[string]Bundle, id string) map[string]Bundle {
	out := make(map[string]Bundle)
	prefix := id + "/"
	for key, bundle := range bundles {
		if strings.HasPrefix(key, prefix) {
			out[key[len(prefix):]] = bundle
		}
	}
	return out
}

// saveState snapshots every started gateway's state and hands the bundle
// map to the configured storage. Dispatch goroutine only. Failures are
// logged; the loop continues.
func (a *Application) saveState() {
	if a.storage == nil {
		a.logger.Debug("State save skipped, no storage configured")
		return
	}
	out := make(map[string]Bundle)
	for _, id := range a.started {
		a.holderByID(id).gateway.OnSaveState(out)
	}
	if err := a.storage.SaveBundles(out); err != nil {
		a.logger.Error("Saving state failed", "error", err)
		return
	}
	a.dispatcher.markSaved()
	a.logger.Debug("State saved", "bundles", len(out))
	a.system.announceStateSaved()
	a.notifyObservers(NewEvent(EventTypeStateSaved, "application", map[string]any{"bundles": len(out)}))
}

// shutdown runs on the dispatch goroutine after the loop exits: shutdown
// hooks first, then a final save, then gateway stops in reverse start
// order.
func (a *Application) shutdown() {
	a.hooksMu.Lock()
	hooks := append([]func(){}, a.shutdownHooks...)
	a.hooksMu.Unlock()
	for _, hook := range hooks {
		a.runGuarded("shutdown hook", hook)
	}

	if a.storage != nil {
		a.saveState()
	}
	a.stopStarted()
	a.notifyObservers(NewEvent(EventTypeApplicationStopped, "application", nil))
	a.logger.Info("Application stopped")
}

// stopStarted stops every started gateway in reverse start order.
func (a *Application) stopStarted() {
	for i := len(a.started) - 1; i >= 0; i-- {
		id := a.started[i]
		a.runGuarded("gateway stop", a.holderByID(id).gateway.OnStop)
		a.logger.Debug("Gateway stopped", "gateway", id)
		a.notifyObservers(NewEvent(EventTypeGatewayStopped, id, nil))
	}
	a.started = nil
}

func (a *Application) runGuarded(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic during "+what, "panic", r)
		}
	}()
	fn()
}
