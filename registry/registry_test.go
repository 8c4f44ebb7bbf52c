package registry

import (
	"fmt"
	"sync"
	"testing"

	"task-fanout/domain"
)

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }

func memberIDs(members []Member) map[string]bool {
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m.ID] = true
	}
	return out
}

func TestJoinMakesConnectionAMember(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	b := r.Register(nopConn{})
	topic := domain.TaskTopic("T1")

	r.Join(a, topic)
	r.Join(b, topic)

	ids := memberIDs(r.MembersOf(topic))
	if len(ids) != 2 || !ids[a] || !ids[b] {
		t.Fatalf("unexpected members %v", ids)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	topic := domain.TaskTopic("T1")

	if !r.Join(a, topic) {
		t.Fatal("first join should change membership")
	}
	if r.Join(a, topic) {
		t.Fatal("second join should be a no-op")
	}
	if got := len(r.MembersOf(topic)); got != 1 {
		t.Fatalf("expected one member, got %d", got)
	}
}

func TestLeaveRemovesMembership(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	topic := domain.TaskTopic("T1")
	r.Join(a, topic)

	if !r.Leave(a, topic) {
		t.Fatal("leave should change membership")
	}
	if r.Leave(a, topic) {
		t.Fatal("second leave should be a no-op")
	}
	if members := r.MembersOf(topic); len(members) != 0 {
		t.Fatalf("expected no members, got %v", members)
	}
	if r.TopicCount() != 0 {
		t.Fatalf("empty topic should be dropped, have %d topics", r.TopicCount())
	}
}

func TestUnregisterRemovesAllMembershipsAndIsIdempotent(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	b := r.Register(nopConn{})
	r.Join(a, domain.TaskTopic("T1"))
	r.Join(a, domain.UserTopic("U1"))
	r.Join(b, domain.UserTopic("U1"))

	r.Unregister(a)
	r.Unregister(a)

	if members := r.MembersOf(domain.TaskTopic("T1")); len(members) != 0 {
		t.Fatalf("expected T1 empty, got %v", members)
	}
	ids := memberIDs(r.MembersOf(domain.UserTopic("U1")))
	if len(ids) != 1 || !ids[b] {
		t.Fatalf("expected only b in U1, got %v", ids)
	}
	if r.Count() != 1 {
		t.Fatalf("expected one connection left, got %d", r.Count())
	}
	if topics := r.Topics(a); topics != nil {
		t.Fatalf("unregistered connection still has topics %v", topics)
	}
}

func TestJoinUnknownConnectionIsNoop(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	r.Unregister(a)

	if r.Join(a, domain.TaskTopic("T1")) {
		t.Fatal("join after unregister must be ignored")
	}
	if r.Leave("missing", domain.TaskTopic("T1")) {
		t.Fatal("leave of unknown connection must be ignored")
	}
	if members := r.MembersOf(domain.TaskTopic("T1")); members != nil {
		t.Fatalf("expected nil members, got %v", members)
	}
}

func TestMembersOfUnknownTopic(t *testing.T) {
	r := New()
	if members := r.MembersOf(domain.TaskTopic("nope")); len(members) != 0 {
		t.Fatalf("expected empty set, got %v", members)
	}
}

func TestMembersOfReturnsSnapshot(t *testing.T) {
	r := New()
	a := r.Register(nopConn{})
	topic := domain.TaskTopic("T1")
	r.Join(a, topic)

	snapshot := r.MembersOf(topic)
	r.Leave(a, topic)

	if len(snapshot) != 1 || snapshot[0].ID != a {
		t.Fatalf("snapshot changed after leave: %v", snapshot)
	}
}

func TestConcurrentMembershipChanges(t *testing.T) {
	r := New()
	const conns = 32
	ids := make([]string, conns)
	for i := range ids {
		ids[i] = r.Register(nopConn{})
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				topic := domain.TaskTopic(fmt.Sprintf("T%d", j%5))
				r.Join(id, topic)
				_ = r.MembersOf(topic)
				if i%2 == 0 {
					r.Leave(id, topic)
				}
			}
		}(i, id)
	}
	wg.Wait()

	for j := 0; j < 5; j++ {
		topic := domain.TaskTopic(fmt.Sprintf("T%d", j))
		if got := len(r.MembersOf(topic)); got != conns/2 {
			t.Fatalf("topic %s: expected %d members, got %d", topic, conns/2, got)
		}
	}

	for _, id := range ids {
		r.Unregister(id)
	}
	if r.TopicCount() != 0 || r.Count() != 0 {
		t.Fatalf("registry not empty: %d topics, %d conns", r.TopicCount(), r.Count())
	}
}
