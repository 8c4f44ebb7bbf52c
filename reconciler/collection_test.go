package reconciler

import (
	"testing"
	"time"

	"task-fanout/domain"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func task(id, status string, at time.Time) domain.Task {
	return domain.Task{ID: id, Status: status, UpdatedAt: at}
}

func TestOnPushReplacesInPlace(t *testing.T) {
	c := NewCollection(task("T0", domain.StatusToDo, t0), task("T1", domain.StatusToDo, t0))

	if got := c.OnPush(task("T1", domain.StatusDone, t0.Add(time.Minute))); got != Replaced {
		t.Fatalf("expected replaced, got %v", got)
	}
	items := c.Items()
	if len(items) != 2 || items[1].ID != "T1" || items[1].Status != domain.StatusDone {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestOnPushInsertsUnknownAtFront(t *testing.T) {
	c := NewCollection(task("T0", domain.StatusToDo, t0))

	if got := c.OnPush(task("T9", domain.StatusReview, t0)); got != Inserted {
		t.Fatalf("expected inserted, got %v", got)
	}
	items := c.Items()
	if len(items) != 2 || items[0].ID != "T9" || items[1].ID != "T0" {
		t.Fatalf("unexpected order %+v", items)
	}
}

func TestOnPushIgnoresStaleSnapshot(t *testing.T) {
	c := NewCollection(task("T1", domain.StatusDone, t0.Add(time.Minute)))

	if got := c.OnPush(task("T1", domain.StatusInProgress, t0)); got != Stale {
		t.Fatalf("expected stale, got %v", got)
	}
	if it, _ := c.Get("T1"); it.Status != domain.StatusDone {
		t.Fatalf("stale push overwrote newer state: %+v", it)
	}
}

func TestOnPushIsIdempotent(t *testing.T) {
	c := NewCollection[domain.Task]()
	pushed := task("T1", domain.StatusReview, t0)

	c.OnPush(pushed)
	first := c.Items()
	if got := c.OnPush(pushed); got != Duplicate {
		t.Fatalf("expected duplicate on repeat, got %v", got)
	}
	second := c.Items()
	if len(first) != 1 || len(second) != 1 || first[0].Status != second[0].Status {
		t.Fatalf("repeat push changed state: %+v vs %+v", first, second)
	}
}

// A client views a task list, another user moves T1 to Done and the pushed
// snapshot replaces the local copy without a re-fetch.
func TestTaskListReconciliation(t *testing.T) {
	c := NewCollection(
		task("T1", domain.StatusInProgress, t0),
		task("T2", domain.StatusToDo, t0),
	)
	c.OnPush(task("T1", domain.StatusDone, t0.Add(time.Second)))

	items := c.Items()
	if items[0].ID != "T1" || items[0].Status != domain.StatusDone || items[1].ID != "T2" {
		t.Fatalf("unexpected list %+v", items)
	}
}

func TestReplaceInstallsSnapshot(t *testing.T) {
	c := NewCollection(task("T1", domain.StatusToDo, t0))
	snapshot := []domain.Task{task("T2", domain.StatusDone, t0)}
	c.Replace(snapshot)
	snapshot[0].Status = "mutated"

	if c.Len() != 1 {
		t.Fatalf("unexpected length %d", c.Len())
	}
	if it, ok := c.Get("T2"); !ok || it.Status != domain.StatusDone {
		t.Fatalf("snapshot not copied: %+v", it)
	}
	if _, ok := c.Get("T1"); ok {
		t.Fatal("old entity survived replace")
	}
}

func TestNotificationUnreadCounter(t *testing.T) {
	n := NewNotificationCollection(
		domain.Notification{ID: "n1", Recipient: "U1", IsRead: true, CreatedAt: t0},
	)
	if n.Unread() != 0 {
		t.Fatalf("expected 0 unread, got %d", n.Unread())
	}

	n.OnPush(domain.Notification{ID: "n2", Recipient: "U1", CreatedAt: t0.Add(time.Minute)})
	n.OnPush(domain.Notification{ID: "n3", Recipient: "U1", CreatedAt: t0.Add(2 * time.Minute)})
	if n.Unread() != 2 {
		t.Fatalf("expected 2 unread, got %d", n.Unread())
	}
	if items := n.Items(); items[0].ID != "n3" {
		t.Fatalf("newest notification should come first, got %s", items[0].ID)
	}

	if !n.MarkRead("n2") || n.Unread() != 1 {
		t.Fatalf("mark one: unread %d", n.Unread())
	}
	if n.MarkRead("n2") {
		t.Fatal("marking an already read notification should report no change")
	}
	if !n.MarkRead(MarkAll) || n.Unread() != 0 {
		t.Fatalf("mark all: unread %d", n.Unread())
	}
}

func TestRedeliveredNotificationKeepsReadState(t *testing.T) {
	n := NewNotificationCollection()
	pushed := domain.Notification{ID: "n1", Recipient: "U1", Message: "assigned", CreatedAt: t0}

	n.OnPush(pushed)
	if !n.MarkRead("n1") || n.Unread() != 0 {
		t.Fatalf("mark read: unread %d", n.Unread())
	}
	if got := n.OnPush(pushed); got != Duplicate {
		t.Fatalf("expected duplicate, got %v", got)
	}
	if n.Unread() != 0 {
		t.Fatalf("redelivery undid mark read: unread %d", n.Unread())
	}
	if it, _ := n.Get("n1"); !it.IsRead {
		t.Fatalf("cached notification lost read state: %+v", it)
	}

	newer := pushed
	newer.Message = "reassigned"
	newer.CreatedAt = t0.Add(time.Second)
	if got := n.OnPush(newer); got != Replaced {
		t.Fatalf("expected replaced, got %v", got)
	}
	if it, _ := n.Get("n1"); it.Message != "reassigned" {
		t.Fatalf("newer snapshot not applied: %+v", it)
	}
}
