package mqtt

import (
	"sync"

	"github.com/dkeye/deskrtc/internal/core"
)

type route struct {
	filter string
	h      core.MessageHandler
}

// router fans inbound messages out to local handlers. The broker
// subscription for a filter is made when its first handler is added and
// dropped when its last handler is removed.
type router struct {
	mu      sync.RWMutex
	routes  map[string][]*route
	onFirst func(filter string) error
	onLast  func(filter string)
}

func newRouter(onFirst func(string) error, onLast func(string)) *router {
	return &router{
		routes:  make(map[string][]*route),
		onFirst: onFirst,
		onLast:  onLast,
	}
}

func (r *router) add(filter string, h core.MessageHandler) (func(), error) {
	rt := &route{filter: filter, h: h}

	r.mu.Lock()
	first := len(r.routes[filter]) == 0
	r.routes[filter] = append(r.routes[filter], rt)
	r.mu.Unlock()

	if first && r.onFirst != nil {
		if err := r.onFirst(filter); err != nil {
			r.remove(rt)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if r.remove(rt) && r.onLast != nil {
				r.onLast(filter)
			}
		})
	}, nil
}

// remove reports whether rt was the last handler of its filter.
func (r *router) remove(rt *route) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.routes[rt.filter]
	for i, cur := range list {
		if cur == rt {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.routes, rt.filter)
		return true
	}
	r.routes[rt.filter] = list
	return false
}

func (r *router) dispatch(topic string, payload core.Payload) int {
	r.mu.RLock()
	var matched []core.MessageHandler
	for filter, list := range r.routes {
		if !MatchTopic(filter, topic) {
			continue
		}
		for _, rt := range list {
			matched = append(matched, rt.h)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return len(matched)
}

// dispatchFilter delivers to the handlers of one filter only.
func (r *router) dispatchFilter(filter, topic string, payload core.Payload) {
	r.mu.RLock()
	list := append([]*route(nil), r.routes[filter]...)
	r.mu.RUnlock()
	for _, rt := range list {
		rt.h(topic, payload)
	}
}

type eventBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[core.Event]map[int]core.EventHandler
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[core.Event]map[int]core.EventHandler)}
}

func (b *eventBus) on(ev core.Event, h core.EventHandler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.handlers[ev] == nil {
		b.handlers[ev] = make(map[int]core.EventHandler)
	}
	b.handlers[ev][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers[ev], id)
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(ev core.Event, err error) {
	b.mu.RLock()
	hs := make([]core.EventHandler, 0, len(b.handlers[ev]))
	for _, h := range b.handlers[ev] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(err)
	}
}
