package reconciler

import (
	"sync"
	"time"

	"task-fanout/domain"
)

// Entity is a pushed server object with a stable id and a server-assigned
// version.
type Entity interface {
	EntityID() string
	Version() time.Time
}

// Outcome tells what a push did to the local state.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Replaced
	Stale
	// Duplicate is a push carrying the cached version. Local edits survive it.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Collection is a locally cached, ordered list of entities kept current by
// pushes. It is safe for concurrent use.
type Collection[T Entity] struct {
	mu    sync.RWMutex
	items []T
}

// NewCollection creates a collection seeded with items.
func NewCollection[T Entity](items ...T) *Collection[T] {
	c := &Collection[T]{}
	c.Replace(items)
	return c
}

// OnPush merges a full entity snapshot: it replaces the cached entity with
// the same id when the push is newer, and prepends unknown entities. A push
// no newer than the cached entity is ignored, so redelivery leaves the
// collection unchanged.
func (c *Collection[T]) OnPush(item T) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushLocked(item)
}

func (c *Collection[T]) pushLocked(item T) Outcome {
	id := item.EntityID()
	for i := range c.items {
		if c.items[i].EntityID() != id {
			continue
		}
		cached := c.items[i].Version()
		if item.Version().Before(cached) {
			return Stale
		}
		if item.Version().Equal(cached) {
			return Duplicate
		}
		c.items[i] = item
		return Replaced
	}
	c.items = append(c.items, item)
	copy(c.items[1:], c.items[:len(c.items)-1])
	c.items[0] = item
	return Inserted
}

// Replace installs a freshly fetched snapshot.
func (c *Collection[T]) Replace(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(make([]T, 0, len(items)), items...)
}

// Items returns a copy of the cached entities in display order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.items...)
}

// Get returns the cached entity with id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.items {
		if it.EntityID() == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// MarkAll is passed to NotificationCollection.MarkRead to mark everything.
const MarkAll = "all"

// NotificationCollection adds the unread counter shown on the badge.
type NotificationCollection struct {
	Collection[domain.Notification]
}

func NewNotificationCollection(items ...domain.Notification) *NotificationCollection {
	n := &NotificationCollection{}
	n.Replace(items)
	return n
}

// Unread returns the number of unread notifications.
func (n *NotificationCollection) Unread() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, it := range n.items {
		if !it.IsRead {
			count++
		}
	}
	return count
}

// MarkRead marks one notification, or every one when id is MarkAll. It
// reports whether anything changed.
func (n *NotificationCollection) MarkRead(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	changed := false
	for i := range n.items {
		if n.items[i].IsRead || (id != MarkAll && n.items[i].ID != id) {
			continue
		}
		n.items[i].IsRead = true
		changed = true
	}
	return changed
}
