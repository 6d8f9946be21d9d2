package chat

import (
	"testing"

	"PPRoom/module/chat/model"
	"PPRoom/service/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func drain(s *Session) []string {
	var out []string
	for {
		select {
		case b := <-s.send:
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func TestBroadcastMembersOnly(t *testing.T) {
	r := NewRegistry(8)
	router := NewRouter(r, nil)
	a := addTestSession(t, r, "a", "u1")
	b := addTestSession(t, r, "b", "u2")
	c := addTestSession(t, r, "c", "u3")
	router.Join(a, "abc")
	router.Join(b, "abc")
	router.Join(c, "other")

	res := router.Broadcast(a, "abc", model.ChatEvent{RoomSlug: "abc", Message: "hi", SenderUserID: "u1"}, false)
	if res.Delivered != 2 || res.Dropped != 0 {
		t.Fatalf("result = %+v", res)
	}
	want := `{"type":"chat","message":"hi","roomId":"abc","senderId":"u1"}`
	for _, s := range []*Session{a, b} {
		if got := drain(s); len(got) != 1 || got[0] != want {
			t.Fatalf("%s got %v", s.ID, got)
		}
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("non-member got %v", got)
	}
}

func TestBroadcastExcludeSelf(t *testing.T) {
	r := NewRegistry(8)
	router := NewRouter(r, nil)
	a := addTestSession(t, r, "a", "u1")
	b := addTestSession(t, r, "b", "u2")
	router.Join(a, "abc")
	router.Join(b, "abc")

	router.Broadcast(a, "abc", model.ChatEvent{RoomSlug: "abc", Message: "hi", SenderUserID: "u1"}, true)
	if len(drain(a)) != 0 || len(drain(b)) != 1 {
		t.Fatal("excludeSelf must skip only the sender")
	}
}

func TestBroadcastIsolatesFailingPeers(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(1)
	router := NewRouter(r, m)
	stalled := addTestSession(t, r, "stalled", "u1")
	closed := addTestSession(t, r, "closed", "u2")
	ok := addTestSession(t, r, "ok", "u3")
	for _, s := range []*Session{stalled, closed, ok} {
		router.Join(s, "abc")
	}
	_ = stalled.Enqueue([]byte("fill")) // 缓冲 1，已满
	closed.Close()

	res := router.Broadcast(nil, "abc", model.ChatEvent{RoomSlug: "abc", Message: "hi", SenderUserID: "u9"}, false)
	if res.Delivered != 1 || res.Dropped != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := drain(ok); len(got) != 1 {
		t.Fatalf("healthy member got %v", got)
	}
	if testutil.ToFloat64(m.BroadcastDropped) != 2 || testutil.ToFloat64(m.BroadcastDelivered) != 1 {
		t.Fatal("metrics not updated")
	}
}

func TestBroadcastEmptyRoom(t *testing.T) {
	router := NewRouter(NewRegistry(8), nil)
	res := router.Broadcast(nil, "nobody", model.ChatEvent{RoomSlug: "nobody"}, false)
	if res != (BroadcastResult{}) {
		t.Fatalf("empty room result = %+v", res)
	}
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry(8)
	router := NewRouter(r, nil)
	a := addTestSession(t, r, "a", "u1")
	router.Join(a, "abc")
	router.Join(a, "abc")
	if r.MemberCount("abc") != 1 || len(a.Rooms()) != 1 {
		t.Fatal("double join must be a no-op")
	}
	router.Leave(a, "abc")
	router.Leave(a, "abc")
	router.Leave(a, "never")
	if r.MemberCount("abc") != 0 || len(a.Rooms()) != 0 {
		t.Fatal("double leave must be a no-op")
	}
}

func TestPerSenderOrderPreserved(t *testing.T) {
	r := NewRegistry(64)
	router := NewRouter(r, nil)
	a := addTestSession(t, r, "a", "u1")
	b := addTestSession(t, r, "b", "u2")
	router.Join(a, "abc")
	router.Join(b, "abc")
	for i := 0; i < 50; i++ {
		router.Broadcast(a, "abc", model.ChatEvent{RoomSlug: "abc", Message: string(rune('A' + i%26)), SenderUserID: "u1"}, true)
	}
	got := drain(b)
	if len(got) != 50 {
		t.Fatalf("received %d", len(got))
	}
	for i, g := range got {
		want := `{"type":"chat","message":"` + string(rune('A'+i%26)) + `","roomId":"abc","senderId":"u1"}`
		if g != want {
			t.Fatalf("frame %d = %s, want %s", i, g, want)
		}
	}
}
