package msghub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// MessageListener consumes messages delivered to a subscription. Listeners
// run on the dispatch goroutine; a returned error is logged, stops
// delivery of that message to any remaining subscribers, and is surfaced
// to the dispatch loop.
type MessageListener func(msg *Message) error

// topicFilterEntry owns the subscriptions registered under one localized
// filter. Entries live in a holder's simple/wildcard maps or in the global
// maps, guarded by the router lock.
type topicFilterEntry struct {
	filter TopicFilter
	subs   []*Subscription
}

// Subscription binds a topic filter, a listener, and a priority. Closing a
// subscription is idempotent; once the last subscription of a filter is
// closed the owning gateway is asked to drop the filter.
type Subscription struct {
	id       string
	app      *Application
	filter   string // original filter string, gateway head included
	local    string // localized filter used as map key
	priority int
	listener MessageListener

	global bool
	simple bool
	holder *gatewayHolder // nil for global subscriptions

	closed bool // guarded by app.routerMu
}

// ID returns the unique identifier of this subscription.
func (s *Subscription) ID() string {
	return s.id
}

// TopicFilter returns the original filter string the subscription was
// created with.
func (s *Subscription) TopicFilter() string {
	return s.filter
}

// Priority returns the subscription's delivery priority.
func (s *Subscription) Priority() int {
	return s.priority
}

// Close removes the subscription. When the last subscription of a filter
// is closed, the filter is withdrawn from the owning gateway (or from all
// gateways for a global filter). Close is idempotent.
func (s *Subscription) Close() {
	a := s.app
	a.routerMu.Lock()
	if s.closed {
		a.routerMu.Unlock()
		return
	}
	s.closed = true

	entries := s.entryMap()
	entry, ok := entries[s.local]
	emptied := false
	if ok {
		for i, sub := range entry.subs {
			if sub == s {
				entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
				break
			}
		}
		if len(entry.subs) == 0 {
			delete(entries, s.local)
			emptied = true
		}
	}
	a.routerMu.Unlock()

	if emptied {
		a.announceFilterChange(s.holder, s.local, false)
	}
}

// entryMap picks the filter map this subscription lives in. Caller holds
// the router lock.
func (s *Subscription) entryMap() map[string]*topicFilterEntry {
	switch {
	case s.global && s.simple:
		return s.app.globalSimple
	case s.global:
		return s.app.globalWildcard
	case s.simple:
		return s.holder.simpleFilters
	default:
		return s.holder.wildcardFilters
	}
}

// Subscribe registers a listener for the given topic filter at priority 0.
// The filter's head level selects a gateway, or "+"/"#" for a global
// subscription applied to every gateway. Safe to call from any goroutine.
func (a *Application) Subscribe(filter string, listener MessageListener) (*Subscription, error) {
	return a.SubscribeWithPriority(filter, 0, listener)
}

// SubscribeWithPriority registers a listener with an explicit delivery
// priority. For one message, higher-priority subscribers run before
// lower-priority ones.
func (a *Application) SubscribeWithPriority(filter string, priority int, listener MessageListener) (*Subscription, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	if !IsValidTopicFilter(filter) {
		return nil, ErrInvalidTopicFilter
	}

	head, local, global, err := a.splitFilter(filter)
	if err != nil {
		return nil, err
	}

	var holder *gatewayHolder
	if !global {
		holder = a.holderByID(head)
		if holder == nil {
			return nil, ErrUnknownGateway
		}
	}

	parsed := ParseTopicFilter(local)
	sub := &Subscription{
		id:       uuid.New().String(),
		app:      a,
		filter:   filter,
		local:    local,
		priority: priority,
		listener: listener,
		global:   global,
		simple:   parsed.IsSimple(),
		holder:   holder,
	}

	a.routerMu.Lock()
	entries := sub.entryMap()
	entry, ok := entries[local]
	if !ok {
		entry = &topicFilterEntry{filter: parsed}
		entries[local] = entry
	}
	entry.subs = append(entry.subs, sub)
	a.routerMu.Unlock()

	if !ok {
		a.announceFilterChange(holder, local, true)
	}
	return sub, nil
}

// splitFilter separates the gateway head from the localized remainder.
// A bare "#" is the only filter without a localized portion; it becomes a
// global multi-level filter.
func (a *Application) splitFilter(filter string) (head, local string, global bool, err error) {
	idx := strings.IndexByte(filter, '/')
	if idx < 0 {
		if filter == MultiLevelWildcard {
			return MultiLevelWildcard, MultiLevelWildcard, true, nil
		}
		return "", "", false, ErrFilterMissingLocalPart
	}
	head = filter[:idx]
	local = filter[idx+1:]
	if head == SingleLevelWildcard || head == MultiLevelWildcard {
		return head, local, true, nil
	}
	return head, local, false, nil
}

// announceFilterChange enqueues SubscriptionChange actions: to the one
// owning gateway, or to every gateway for a global filter.
func (a *Application) announceFilterChange(holder *gatewayHolder, local string, subscribe bool) {
	if holder != nil {
		a.dispatcher.enqueue(&subscriptionChangeAction{holder: holder, filter: local, subscribe: subscribe})
		return
	}
	for _, h := range a.holderSnapshot() {
		a.dispatcher.enqueue(&subscriptionChangeAction{holder: h, filter: local, subscribe: subscribe})
	}
}

// deliverReceived routes a message received on a gateway to every matching
// subscription. Dispatch goroutine only. Matches come from the holder's
// simple and wildcard filters plus the global maps; when priorities
// differ, delivery is stable-sorted so higher priorities run first. The
// delivered topic is re-qualified with the source gateway id.
func (a *Application) deliverReceived(holder *gatewayHolder, msg *Message) error {
	topic := msg.Topic()
	levels := ParseTopicHierarchy(topic)

	a.routerMu.Lock()
	var matched []*Subscription
	if entry, ok := holder.simpleFilters[topic]; ok {
		matched = append(matched, entry.subs...)
	}
	for _, entry := range holder.wildcardFilters {
		if entry.filter.Matches(levels) {
			matched = append(matched, entry.subs...)
		}
	}
	if entry, ok := a.globalSimple[topic]; ok {
		matched = append(matched, entry.subs...)
	}
	for _, entry := range a.globalWildcard {
		if entry.filter.Matches(levels) {
			matched = append(matched, entry.subs...)
		}
	}
	a.routerMu.Unlock()

	if len(matched) == 0 {
		return nil
	}

	mixed := false
	for i := 1; i < len(matched); i++ {
		if matched[i].priority != matched[0].priority {
			mixed = true
			break
		}
	}
	if mixed {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].priority > matched[j].priority
		})
	}

	delivered := msg.withTopic(holder.id + "/" + topic)
	for _, sub := range matched {
		a.routerMu.Lock()
		closed := sub.closed
		a.routerMu.Unlock()
		if closed {
			continue
		}
		// Fail fast: a faulting listener stops delivery to the remaining
		// subscribers; the loop logs the surfaced error and moves on.
		if err := sub.listener(delivered); err != nil {
			a.logger.Error("Subscriber failed", "topic", delivered.Topic(), "error", err)
			return fmt.Errorf("subscriber for %q failed: %w", delivered.Topic(), err)
		}
	}
	return nil
}
