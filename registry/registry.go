package registry

import (
	"sync"

	"github.com/google/uuid"

	"task-fanout/domain"
)

// Conn is the outbound side of one live client channel. Send must not block
// on network I/O.
type Conn interface {
	Send(frame []byte) error
}

// Member is a connection subscribed to a topic.
type Member struct {
	ID   string
	Conn Conn
}

type connEntry struct {
	conn   Conn
	topics map[domain.Topic]struct{}
}

// Registry indexes connection <-> topic membership in both directions.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connEntry
	topics map[domain.Topic]map[string]Conn
	newID  func() string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		topics: make(map[domain.Topic]map[string]Conn),
		newID:  uuid.NewString,
	}
}

// Register admits a connection with no memberships and returns its id.
func (r *Registry) Register(c Conn) string {
	id := r.newID()
	r.mu.Lock()
	r.conns[id] = &connEntry{conn: c, topics: make(map[domain.Topic]struct{})}
	r.mu.Unlock()
	return id
}

// Join adds the connection to the topic. Unknown connections are ignored,
// they have already been unregistered. It reports whether membership changed.
func (r *Registry) Join(id string, topic domain.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, member := entry.topics[topic]; member {
		return false
	}
	entry.topics[topic] = struct{}{}
	members := r.topics[topic]
	if members == nil {
		members = make(map[string]Conn)
		r.topics[topic] = members
	}
	members[id] = entry.conn
	return true
}

// Leave removes the connection from the topic. It reports whether membership
// changed.
func (r *Registry) Leave(id string, topic domain.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, member := entry.topics[topic]; !member {
		return false
	}
	delete(entry.topics, topic)
	r.removeMemberLocked(topic, id)
	return true
}

// Unregister drops the connection and all of its memberships. Calling it more
// than once is harmless.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if !ok {
		return
	}
	for topic := range entry.topics {
		r.removeMemberLocked(topic, id)
	}
	delete(r.conns, id)
}

func (r *Registry) removeMemberLocked(topic domain.Topic, id string) {
	members := r.topics[topic]
	delete(members, id)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}

// MembersOf returns a snapshot of the connections subscribed to topic.
func (r *Registry) MembersOf(topic domain.Topic) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.topics[topic]
	if len(members) == 0 {
		return nil
	}
	out := make([]Member, 0, len(members))
	for id, c := range members {
		out = append(out, Member{ID: id, Conn: c})
	}
	return out
}

// Topics returns the topics the connection currently belongs to.
func (r *Registry) Topics(id string) []domain.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]domain.Topic, 0, len(entry.topics))
	for t := range entry.topics {
		out = append(out, t)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TopicCount returns the number of topics with at least one member.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
