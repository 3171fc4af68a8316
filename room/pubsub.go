package room

import (
	"sync"

	"github.com/kachar/liveblocks/crdt"
)

// Subscription topics. Storage nodes use StorageTopic.
const (
	TopicMyPresence = "my-presence"
	TopicOthers     = "others"
	TopicEvent      = "event"
	TopicError      = "error"
	TopicHistory    = "history"
	TopicConnection = "connection"
)

// StorageTopic returns the topic a storage node's changes are published on.
func StorageTopic(id crdt.NodeID) string {
	return "storage:" + string(id)
}

// pubsub is a per-room topic registry. Unsubscribing happens through the
// capability returned by subscribe; there is no global event bus.
type pubsub struct {
	mu     sync.Mutex
	next   int
	topics map[string]map[int]func(any)
}

func newPubsub() *pubsub {
	return &pubsub{topics: make(map[string]map[int]func(any))}
}

func (p *pubsub) subscribe(topic string, cb func(any)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.topics[topic]
	if subs == nil {
		subs = make(map[int]func(any))
		p.topics[topic] = subs
	}
	p.next++
	token := p.next
	subs[token] = cb

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if subs := p.topics[topic]; subs != nil {
			delete(subs, token)
			if len(subs) == 0 {
				delete(p.topics, topic)
			}
		}
	}
}

func (p *pubsub) publish(topic string, payload any) {
	p.mu.Lock()
	subs := p.topics[topic]
	cbs := make([]func(any), 0, len(subs))
	for _, cb := range subs {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(payload)
	}
}

func (p *pubsub) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = make(map[string]map[int]func(any))
}

// notification is a deferred publish; the engine collects notifications
// while holding the room lock and flushes them after releasing it, so one
// settle point notifies each topic at most once.
type notification struct {
	topic   string
	payload any
}
