package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerRegisterBindEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Register("json_control", nil)
	if c.ID == "" {
		t.Fatalf("call ID should not be empty")
	}
	if c.State != StateIdle || c.Status != StatusActive {
		t.Fatalf("unexpected initial call: %+v", c)
	}

	if err := m.Bind(c.ID, "MZ123", "CA456"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	got, err := m.Get("MZ123")
	if err != nil {
		t.Fatalf("Get(stream) error = %v", err)
	}
	if got.ID != c.ID || got.CallSID != "CA456" {
		t.Fatalf("unexpected call: %+v", got)
	}

	if err := m.SetState(c.ID, StateBridging); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	ended, err := m.End(c.ID, EndTelephonyStop)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.State != StateClosed {
		t.Fatalf("ended = %+v, want ended/closed", ended)
	}
	if ended.EndReason != EndTelephonyStop {
		t.Fatalf("EndReason = %q, want %q", ended.EndReason, EndTelephonyStop)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerRebindReplacesStreamIndex(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Register("binary", nil)
	_ = m.Bind(c.ID, "MZ-old", "")
	_ = m.Bind(c.ID, "MZ-new", "")

	if _, err := m.Get("MZ-old"); err != ErrNotFound {
		t.Fatalf("Get(old stream) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Get("MZ-new"); err != nil {
		t.Fatalf("Get(new stream) error = %v", err)
	}
}

func TestManagerUnknownCall(t *testing.T) {
	m := NewManager(time.Minute)
	if err := m.Touch("missing"); err != ErrNotFound {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
	if _, err := m.End("missing", ""); err != ErrNotFound {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Register("binary", nil)
	time.Sleep(2 * time.Millisecond)
	second := m.Register("binary", nil)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("List() order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, second.ID, first.ID)
	}
}

func TestManagerJanitorCancelsInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)

	var cancelled atomic.Int32
	var expired atomic.Int32
	m.SetExpireHook(func(*Call) { expired.Add(1) })
	c := m.Register("json_control", func() { cancelled.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	if cancelled.Load() != 1 {
		t.Fatalf("cancel calls = %d, want 1", cancelled.Load())
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EndReason != "inactivity_timeout" {
		t.Fatalf("EndReason = %q, want inactivity_timeout", got.EndReason)
	}
}

func TestManagerPrunesEndedCalls(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(time.Millisecond)
	c := m.Register("binary", nil)
	_ = m.Bind(c.ID, "MZ1", "")
	if _, err := m.End(c.ID, EndAIClosed); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.expireInactive()
	if _, err := m.Get(c.ID); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := m.Get("MZ1"); err != ErrNotFound {
		t.Fatalf("Get(stream) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCancelAll(t *testing.T) {
	m := NewManager(time.Minute)
	var cancelled atomic.Int32
	a := m.Register("binary", func() { cancelled.Add(1) })
	m.Register("binary", func() { cancelled.Add(1) })

	m.CancelAll("shutdown")
	m.CancelAll("shutdown")
	if cancelled.Load() != 2 {
		t.Fatalf("cancel calls = %d, want 2", cancelled.Load())
	}
	got, _ := m.Get(a.ID)
	if got.EndReason != "shutdown" {
		t.Fatalf("EndReason = %q, want shutdown", got.EndReason)
	}
}
