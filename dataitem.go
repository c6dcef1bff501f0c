package msghub

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// ItemState tracks a data item's lifecycle.
type ItemState int

const (
	// ItemCreated is the state before the item is added to a data gateway.
	ItemCreated ItemState = iota
	// ItemAttached means the item belongs to a gateway but is not active yet.
	ItemAttached
	// ItemActivating is the state while the Activate hook runs.
	ItemActivating
	// ItemActive is the normal serving state.
	ItemActive
	// ItemDeactivating is the state while the Deactivate hook runs.
	ItemDeactivating
	// ItemDeactivated is the terminal state.
	ItemDeactivated
)

func (s ItemState) String() string {
	switch s {
	case ItemCreated:
		return "created"
	case ItemAttached:
		return "attached"
	case ItemActivating:
		return "activating"
	case ItemActive:
		return "active"
	case ItemDeactivating:
		return "deactivating"
	case ItemDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Item is the application's type-erased view of a data item. Concrete
// items are *DataItem[T] values; the runtime value type is kept as a
// reflect.Type so typed lookups can verify it.
type Item interface {
	// ID returns the fully qualified id "gatewayId/localId", or just the
	// local id before attach.
	ID() string

	// LocalID returns the id relative to the owning data gateway.
	LocalID() string

	// ValueType returns the runtime descriptor of the item's value type.
	ValueType() reflect.Type

	// ReadOnly reports whether change requests are rejected.
	ReadOnly() bool

	// State returns the current lifecycle state. Dispatch goroutine only.
	State() ItemState

	// Invalidate schedules a resynchronization of the item's value. Safe
	// to call from any goroutine; idempotent while a synchronization is
	// already pending.
	Invalidate()

	attachItem(gw *DataGateway, localID string) error
	activate(saved Bundle) error
	deactivate()
	synchronizeNow()
	saveState(out Bundle)
	applyChangeRequest(value any)
	dependencies() []Item
	addDependant(dependant Item)
	ownerGateway() *DataGateway
}

// ItemConfig configures a data item's behavior through hooks, all of which
// run on the dispatch goroutine. Every hook is optional.
type ItemConfig[T any] struct {
	// ReadOnly rejects RequestChange calls synchronously.
	ReadOnly bool

	// Activate is called once after attach, before the item serves values.
	// It is the only place SetDependencies may be called; it may also call
	// Update to compute an initial value. The saved bundle carries state
	// persisted by SaveState in a previous run and is empty on first run.
	Activate func(it *DataItem[T], saved Bundle) error

	// Synchronize recomputes the value from the item's sources. It must be
	// idempotent. The boolean reports whether a value is present; false
	// clears the item's value.
	Synchronize func(it *DataItem[T]) (T, bool, error)

	// ChangeRequested handles a queued value-change request.
	ChangeRequested func(it *DataItem[T], value T) error

	// SaveState contributes the item's persistent state to a snapshot.
	SaveState func(it *DataItem[T], out Bundle)

	// Deactivate runs during shutdown, after which no hook is called again.
	Deactivate func(it *DataItem[T])
}

// DataItem is an observable, typed value owned by a data gateway. Value
// changes are announced as received messages on the owning gateway (topic
// equal to the local id) and cascade synchronization to dependant items.
//
// All state on a DataItem is mutated only on the dispatch goroutine;
// RequestChange and Invalidate merely enqueue work and may be called from
// anywhere.
type DataItem[T any] struct {
	cfg       ItemConfig[T]
	valueType reflect.Type

	gw      *DataGateway
	localID string
	state   ItemState

	value    T
	hasValue bool

	deps       []Item
	dependants []Item

	syncPending atomic.Bool
}

// NewDataItem creates a detached data item with the given behavior.
func NewDataItem[T any](cfg ItemConfig[T]) *DataItem[T] {
	return &DataItem[T]{
		cfg:       cfg,
		valueType: reflect.TypeOf((*T)(nil)).Elem(),
		state:     ItemCreated,
	}
}

func (it *DataItem[T]) ID() string {
	if it.gw == nil {
		return it.localID
	}
	return it.gw.ID() + "/" + it.localID
}

func (it *DataItem[T]) LocalID() string {
	return it.localID
}

func (it *DataItem[T]) ValueType() reflect.Type {
	return it.valueType
}

func (it *DataItem[T]) ReadOnly() bool {
	return it.cfg.ReadOnly
}

func (it *DataItem[T]) State() ItemState {
	return it.state
}

// Value returns the current value and whether one is present. Dispatch
// goroutine only.
func (it *DataItem[T]) Value() (T, bool) {
	return it.value, it.hasValue
}

// RequestChange asks the item to take on a new value. Read-only items
// reject synchronously; otherwise the request is enqueued and handled by
// the ChangeRequested hook on the dispatch goroutine.
func (it *DataItem[T]) RequestChange(value T) error {
	if it.cfg.ReadOnly {
		return ErrItemReadOnly
	}
	gw := it.gw
	if gw == nil || gw.App() == nil {
		return ErrItemNotAttached
	}
	gw.App().dispatcher.enqueue(&requestChangeAction{item: it, value: value})
	return nil
}

// Invalidate schedules a resynchronization. Repeated calls while one is
// pending collapse into a single synchronization.
func (it *DataItem[T]) Invalidate() {
	gw := it.gw
	if gw == nil || gw.App() == nil {
		return
	}
	if it.syncPending.CompareAndSwap(false, true) {
		gw.App().dispatcher.enqueue(&synchronizeItemAction{item: it})
	}
}

// SetDependencies declares the upstream items this item recomputes from.
// Only callable inside the Activate hook. Duplicates are dropped;
// self-references and items of another application are rejected.
func (it *DataItem[T]) SetDependencies(items ...Item) error {
	if it.state != ItemActivating {
		return ErrDependenciesOutsideActivate
	}
	seen := make(map[Item]struct{}, len(items))
	deps := make([]Item, 0, len(items))
	for _, dep := range items {
		if dep == nil {
			return ErrNilItem
		}
		if dep == Item(it) {
			return ErrSelfDependency
		}
		depGw := dep.ownerGateway()
		if depGw == nil {
			return ErrDependencyNotAttached
		}
		if depGw.App() != it.gw.App() {
			return ErrCrossApplicationDependency
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	it.deps = deps
	for _, dep := range deps {
		dep.addDependant(it)
	}
	return nil
}

// Update recomputes the value immediately via the Synchronize hook.
// Callable from the Activate hook and while active, on the dispatch
// goroutine.
func (it *DataItem[T]) Update() error {
	if it.state != ItemActivating && it.state != ItemActive {
		return fmt.Errorf("%w: update in state %s", ErrItemNotAttached, it.state)
	}
	it.runSynchronize()
	return nil
}

func (it *DataItem[T]) attachItem(gw *DataGateway, localID string) error {
	if it.state != ItemCreated {
		return ErrItemAlreadyAttached
	}
	it.gw = gw
	it.localID = localID
	it.state = ItemAttached
	return nil
}

func (it *DataItem[T]) activate(saved Bundle) error {
	it.state = ItemActivating
	if it.cfg.Activate != nil {
		if err := it.cfg.Activate(it, saved); err != nil {
			return fmt.Errorf("activate %s: %w", it.ID(), err)
		}
	}
	it.state = ItemActive
	return nil
}

func (it *DataItem[T]) deactivate() {
	if it.state != ItemActive && it.state != ItemActivating {
		return
	}
	it.state = ItemDeactivating
	if it.cfg.Deactivate != nil {
		it.cfg.Deactivate(it)
	}
	it.state = ItemDeactivated
}

func (it *DataItem[T]) synchronizeNow() {
	it.syncPending.Store(false)
	if it.state != ItemActive && it.state != ItemActivating {
		return
	}
	it.runSynchronize()
}

// runSynchronize recomputes the value. A failed hook leaves the value
// unchanged.
func (it *DataItem[T]) runSynchronize() {
	if it.cfg.Synchronize == nil {
		return
	}
	value, present, err := it.cfg.Synchronize(it)
	if err != nil {
		it.logger().Error("Data item synchronization failed", "item", it.ID(), "error", err)
		return
	}
	it.setValue(value, present)
}

// setValue applies a recomputed value. Deep value equality decides whether
// anything changed; presence transitions count as changes. A change is
// announced on the owning gateway and cascades to dependants before the
// loop picks its next action.
func (it *DataItem[T]) setValue(value T, present bool) {
	changed := present != it.hasValue || (present && !reflect.DeepEqual(it.value, value))
	if !changed {
		return
	}
	it.value = value
	it.hasValue = present

	var payload []byte
	if present {
		payload = []byte(fmt.Sprint(value))
	}
	it.gw.notifyItemChanged(it.localID, payload)

	for _, dep := range it.dependants {
		dep.synchronizeNow()
	}
}

func (it *DataItem[T]) saveState(out Bundle) {
	if it.cfg.SaveState != nil {
		it.cfg.SaveState(it, out)
	}
}

func (it *DataItem[T]) applyChangeRequest(value any) {
	if it.state != ItemActive {
		it.logger().Warn("Change request ignored, item not active", "item", it.ID(), "state", it.state.String())
		return
	}
	typed, ok := value.(T)
	if !ok {
		it.logger().Error("Change request value type mismatch",
			"item", it.ID(), "want", it.valueType.String(), "got", fmt.Sprintf("%T", value))
		return
	}
	if it.cfg.ChangeRequested == nil {
		return
	}
	if err := it.cfg.ChangeRequested(it, typed); err != nil {
		it.logger().Error("Change request failed", "item", it.ID(), "error", err)
	}
}

func (it *DataItem[T]) dependencies() []Item {
	return it.deps
}

func (it *DataItem[T]) addDependant(dependant Item) {
	for _, d := range it.dependants {
		if d == dependant {
			return
		}
	}
	it.dependants = append(it.dependants, dependant)
}

func (it *DataItem[T]) ownerGateway() *DataGateway {
	return it.gw
}

func (it *DataItem[T]) logger() Logger {
	if it.gw != nil {
		if app := it.gw.App(); app != nil {
			return app.logger
		}
	}
	return NewSlogLogger(nil)
}
