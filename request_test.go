package mqttcore

import "testing"

func TestCreateRequestAssignsLowestFreeID(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	noop := func(uint16, bool) (sendResult, error) { return sendOngoing, nil }

	first := conn.createRequest(kindPing, true, noop, nil)
	second := conn.createRequest(kindPing, true, noop, nil)
	if first == 0 || second == 0 {
		t.Fatalf("expected non-zero ids, got %d and %d", first, second)
	}
	if second != first+1 {
		t.Fatalf("expected sequential ids, got %d then %d", first, second)
	}

	conn.removeOutstanding(first)
	third := conn.createRequest(kindPing, true, noop, nil)
	if third != first {
		t.Fatalf("expected the freed id %d to be reused, got %d", first, third)
	}
}

// Invariant 8: id allocation wraps and skips ids still outstanding.
func TestAllocateIDWrapsAndSkipsOutstanding(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	conn.mu.Lock()
	conn.nextID = 0xFFFD
	conn.mu.Unlock()

	noop := func(uint16, bool) (sendResult, error) { return sendOngoing, nil }
	ids := make(map[uint16]bool)
	for i := 0; i < 5; i++ {
		id := conn.createRequest(kindPing, true, noop, nil)
		if id == 0 {
			t.Fatalf("unexpected allocation failure at iteration %d", i)
		}
		if ids[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		ids[id] = true
	}
	if !ids[0xFFFE] || !ids[0xFFFF] {
		t.Fatalf("expected wraparound to visit 0xFFFE and 0xFFFF, got %v", ids)
	}
	if ids[0] {
		t.Fatal("id 0 must never be allocated (reserved for allocation failure)")
	}
}

func TestOnAckUnknownIDIsDiscarded(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	if conn.onAck(42) {
		t.Fatal("expected onAck for an unregistered id to report false")
	}
}

func TestFinishRequestFiresCompletionExactlyOnce(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	var calls int
	send := func(uint16, bool) (sendResult, error) { return sendOngoing, nil }
	complete := func(uint16, error) { calls++ }

	id := conn.createRequest(kindSubscribe, false, send, complete)
	r := conn.outstanding[id]
	conn.w.ongoing = append(conn.w.ongoing, r)

	conn.onAck(id)
	if calls != 1 {
		t.Fatalf("completion fired %d times, want 1", calls)
	}

	// A duplicate ack for the same (now-removed) id must be a no-op.
	if conn.onAck(id) {
		t.Fatal("second ack for a completed id must be discarded")
	}
	if calls != 1 {
		t.Fatalf("completion fired %d times after duplicate ack, want 1", calls)
	}
}

func TestMutualBackPointerTimeoutFirst(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	var err error
	send := func(uint16, bool) (sendResult, error) { return sendOngoing, nil }
	id := conn.createRequest(kindPublishQoS1, false, send, func(_ uint16, e error) { err = e })
	r := conn.outstanding[id]
	conn.w.ongoing = append(conn.w.ongoing, r)

	rt := &requestTimeout{req: r}
	r.timeout = rt

	conn.onRequestTimeout(rt)
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if rt.req != nil {
		t.Fatal("timeout-first path must clear the back-pointer")
	}

	// A second fire of the same timeout (the ack-first path having
	// already run, or a stray re-fire) must no-op rather than complete
	// the request a second time.
	errBefore := err
	conn.onRequestTimeout(rt)
	if err != errBefore {
		t.Fatal("timeout fired twice on an already-completed request")
	}
}

func TestCancelTimeoutClearsBothPointers(t *testing.T) {
	cl := NewClient(nil)
	conn := NewConnection(cl)

	send := func(uint16, bool) (sendResult, error) { return sendOngoing, nil }
	id := conn.createRequest(kindPublishQoS1, false, send, nil)
	r := conn.outstanding[id]

	rt := &requestTimeout{req: r, task: &noopCancelable{}}
	r.timeout = rt

	conn.cancelTimeout(r)
	if rt.req != nil || r.timeout != nil {
		t.Fatal("cancelTimeout must clear both sides of the back-pointer")
	}
}

type noopCancelable struct{ cancelled bool }

func (n *noopCancelable) Cancel() { n.cancelled = true }
