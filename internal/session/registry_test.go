package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/message"
)

type fakeConn struct {
	name   string
	closed bool
}

func (f *fakeConn) Send(message.Message) bool                        { return true }
func (f *fakeConn) SendTimeout(message.Message, time.Duration) bool  { return true }
func (f *fakeConn) Close(string)                                     { f.closed = true }

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := &fakeConn{name: "c1"}

	if displaced := r.Register("U1", c); displaced != nil {
		t.Errorf("fresh register displaced %v", displaced)
	}
	got, ok := r.Lookup("U1")
	if !ok || got != c {
		t.Errorf("Lookup = %v, %v; want c1, true", got, ok)
	}
	if _, ok := r.Lookup("U2"); ok {
		t.Error("Lookup(U2) found a session")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegisterDisplacesPrevious(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	r.Register("U1", c1)
	displaced := r.Register("U1", c2)
	if displaced != Conn(c1) {
		t.Fatalf("displaced = %v, want c1", displaced)
	}
	got, _ := r.Lookup("U1")
	if got != Conn(c2) {
		t.Errorf("Lookup after displacement = %v, want c2", got)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestReRegisterSameConn(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := &fakeConn{}
	r.Register("U1", c)
	if displaced := r.Register("U1", c); displaced != nil {
		t.Errorf("re-register of same conn displaced %v", displaced)
	}
}

func TestUnregisterIsConnMatched(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	r.Register("U1", c1)
	r.Register("U1", c2) // displaces c1

	// The stale connection's cleanup must not evict the replacement.
	if r.Unregister("U1", c1) {
		t.Error("Unregister with stale conn reported removal")
	}
	if got, ok := r.Lookup("U1"); !ok || got != Conn(c2) {
		t.Errorf("Lookup = %v, %v; want c2, true", got, ok)
	}

	if !r.Unregister("U1", c2) {
		t.Error("Unregister with current conn failed")
	}
	if _, ok := r.Lookup("U1"); ok {
		t.Error("session still present after unregister")
	}
}
