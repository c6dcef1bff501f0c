package msghub

import "fmt"

// action is a unit of work executed on the dispatch goroutine. Everything
// that mutates router, gateway, or data-item state is funnelled through an
// action so only the dispatch goroutine ever touches that state.
type action interface {
	run(app *Application) error
}

// publishAction hands a localized message to its target gateway.
type publishAction struct {
	holder *gatewayHolder
	msg    *Message
}

func (a *publishAction) run(app *Application) error {
	if err := a.holder.gateway.OnPublish(a.msg); err != nil {
		return fmt.Errorf("gateway %s publish failed: %w", a.holder.id, err)
	}
	return nil
}

// messageReceivedAction routes a message received by a gateway to the
// matching subscribers.
type messageReceivedAction struct {
	holder *gatewayHolder
	msg    *Message
}

func (a *messageReceivedAction) run(app *Application) error {
	return app.deliverReceived(a.holder, a.msg)
}

// subscriptionChangeAction informs a gateway that a localized topic filter
// came into or went out of use.
type subscriptionChangeAction struct {
	holder    *gatewayHolder
	filter    string
	subscribe bool
}

func (a *subscriptionChangeAction) run(app *Application) error {
	if a.subscribe {
		if err := a.holder.gateway.OnAddTopicFilter(a.filter); err != nil {
			return fmt.Errorf("gateway %s add filter %q failed: %w", a.holder.id, a.filter, err)
		}
		return nil
	}
	if err := a.holder.gateway.OnRemoveTopicFilter(a.filter); err != nil {
		return fmt.Errorf("gateway %s remove filter %q failed: %w", a.holder.id, a.filter, err)
	}
	return nil
}

// synchronizeItemAction recomputes a data item's value.
type synchronizeItemAction struct {
	item Item
}

func (a *synchronizeItemAction) run(app *Application) error {
	a.item.synchronizeNow()
	return nil
}

// requestChangeAction applies a queued value-change request to a data item.
type requestChangeAction struct {
	item  Item
	value any
}

func (a *requestChangeAction) run(app *Application) error {
	a.item.applyChangeRequest(a.value)
	return nil
}

// callbackAction runs an arbitrary user callback on the dispatch goroutine.
type callbackAction struct {
	fn func()
}

func (a *callbackAction) run(app *Application) error {
	a.fn()
	return nil
}
