package relay

import (
	"testing"
	"time"
)

func TestBindTabFirstWins(t *testing.T) {
	sess := newSession("s1", nil)
	if sess.TabID() != nil {
		t.Fatal("fresh session should be unbound")
	}

	sess.bindTab(7)
	sess.bindTab(3)

	got := sess.TabID()
	if got == nil || *got != 7 {
		t.Errorf("TabID = %v, want 7", got)
	}
}

func TestTakePendingIsExactlyOnce(t *testing.T) {
	sess := newSession("s1", nil)
	pr := newPendingRequest()

	if !sess.addPending("r1", pr) {
		t.Fatal("addPending on open session should succeed")
	}
	if sess.pendingCount() != 1 {
		t.Errorf("pendingCount = %d, want 1", sess.pendingCount())
	}

	taken, ok := sess.takePending("r1")
	if !ok || taken != pr {
		t.Fatal("first take should return the entry")
	}
	if _, ok := sess.takePending("r1"); ok {
		t.Error("second take for the same id should miss")
	}
	if sess.pendingCount() != 0 {
		t.Errorf("pendingCount = %d, want 0", sess.pendingCount())
	}
}

func TestFailAllPendingDrainsAndCloses(t *testing.T) {
	sess := newSession("s1", nil)
	second := newPendingRequest()
	second.timer = time.AfterFunc(time.Hour, func() {})
	sess.addPending("r1", newPendingRequest())
	sess.addPending("r2", second)

	ids := sess.failAllPending()
	if len(ids) != 2 {
		t.Fatalf("drained %d ids, want 2", len(ids))
	}
	if sess.pendingCount() != 0 {
		t.Errorf("pendingCount = %d, want 0", sess.pendingCount())
	}

	// The session is closed; nothing new can register.
	if sess.addPending("r3", newPendingRequest()) {
		t.Error("addPending after close should fail")
	}
}

func TestFailPendingKeepsSessionOpen(t *testing.T) {
	sess := newSession("s1", nil)
	sess.addPending("r1", newPendingRequest())

	ids := sess.failPending()
	if len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("drained ids = %v, want [r1]", ids)
	}

	// Unlike teardown, a pending drain leaves the session usable.
	if !sess.addPending("r2", newPendingRequest()) {
		t.Error("session should accept new requests after a pending drain")
	}
}

func TestArmTimeoutSkipsResolvedRequest(t *testing.T) {
	sess := newSession("s1", nil)
	sess.addPending("r1", newPendingRequest())
	sess.takePending("r1")

	fired := make(chan struct{}, 1)
	sess.armTimeout("r1", time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
		t.Error("timer armed for an already resolved request")
	case <-time.After(50 * time.Millisecond):
	}
}
