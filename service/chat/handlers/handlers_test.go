package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"PPRoom/module/chat/model"
	"PPRoom/service/chat"
	"PPRoom/service/chat/handlers"
	"PPRoom/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var secret = []byte("jwt_secret")

type recPersister struct {
	mu     sync.Mutex
	events []model.ChatEvent
}

func (p *recPersister) Dispatch(ev model.ChatEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *recPersister) snapshot() []model.ChatEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ChatEvent(nil), p.events...)
}

type env struct {
	srv  *chat.Server
	ts   *httptest.Server
	pers *recPersister
}

func newEnv(t *testing.T, conf chat.ServerConf) *env {
	t.Helper()
	return newEnvWith(t, conf, security.NewVerifier(security.DefaultOptions(secret)))
}

func newEnvWith(t *testing.T, conf chat.ServerConf, v chat.TokenVerifier) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p := &recPersister{}
	srv := chat.NewServer(conf, v, p, nil)
	handlers.RegisterAll(srv)
	r := gin.New()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &env{srv: srv, ts: ts, pers: p}
}

func (e *env) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + url.QueryEscape(token)
}

func (e *env) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(secret), user, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL(tok), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func frame(typ, room, msg string) map[string]string {
	f := map[string]string{"type": typ, "roomId": room}
	if msg != "" {
		f["message"] = msg
	}
	return f
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

// expectSilence 之后连接不可再读
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, b, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", b)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chatJSON(room, msg, sender string) string {
	b, _ := json.Marshal(map[string]string{"type": "chat", "message": msg, "roomId": room, "senderId": sender})
	return string(b)
}

func TestJoinAndChatEchoesAndPersists(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	c := e.dial(t, "u1")
	send(t, c, frame("join_room", "abc", ""))
	waitFor(t, "join", func() bool { return e.srv.Registry().MemberCount("abc") == 1 })

	send(t, c, frame("chat", "abc", "hi"))
	if got := read(t, c); got != `{"type":"chat","message":"hi","roomId":"abc","senderId":"u1"}` {
		t.Fatalf("frame = %s", got)
	}
	waitFor(t, "persist", func() bool { return len(e.pers.snapshot()) == 1 })
	if ev := e.pers.snapshot()[0]; ev != (model.ChatEvent{RoomSlug: "abc", Message: "hi", SenderUserID: "u1"}) {
		t.Fatalf("persisted %+v", ev)
	}
}

func TestBadTokenClosedWithPolicyViolation(t *testing.T) {
	e := newEnv(t, chat.ServerConf{})
	for _, tok := range []string{"", "garbage"} {
		c, _, err := websocket.DefaultDialer.Dial(e.wsURL(tok), nil)
		if err != nil {
			t.Fatalf("upgrade should succeed before rejection: %v", err)
		}
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err = c.ReadMessage()
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("token %q: want 1008 close, got %v", tok, err)
		}
		_ = c.Close()
	}
	if e.srv.Registry().Len() != 0 {
		t.Fatal("rejected connections must not be registered")
	}
}

func TestBearerHeaderAccepted(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	tok, _, _ := security.Generate(security.DefaultOptions(secret), "u2", nil)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws", h)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitFor(t, "register", func() bool { return e.srv.Registry().Len() == 1 })
}

func TestDisconnectedMemberDoesNotBreakRoom(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	a, b, c := e.dial(t, "a"), e.dial(t, "b"), e.dial(t, "c")
	for _, conn := range []*websocket.Conn{a, b, c} {
		send(t, conn, frame("join_room", "abc", ""))
	}
	waitFor(t, "joins", func() bool { return e.srv.Registry().MemberCount("abc") == 3 })

	_ = c.Close()
	waitFor(t, "removal", func() bool {
		return e.srv.Registry().MemberCount("abc") == 2 && e.srv.Registry().Len() == 2
	})

	send(t, a, frame("chat", "abc", "still here"))
	want := chatJSON("abc", "still here", "a")
	if got := read(t, a); got != want {
		t.Fatalf("a got %s", got)
	}
	if got := read(t, b); got != want {
		t.Fatalf("b got %s", got)
	}
}

func TestMalformedAndUnknownFramesIgnored(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	c := e.dial(t, "u1")
	for _, raw := range []string{"not json", `{"type":"dance"}`, `{"type":"join_room"}`, `[]`} {
		if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
	}
	send(t, c, frame("join_room", "abc", ""))
	send(t, c, frame("chat", "abc", "ok"))
	if got := read(t, c); got != chatJSON("abc", "ok", "u1") {
		t.Fatalf("frame = %s", got)
	}
}

func TestChatFromNonMemberReachesMembersOnly(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	a, b := e.dial(t, "a"), e.dial(t, "b")
	send(t, b, frame("join_room", "abc", ""))
	waitFor(t, "join", func() bool { return e.srv.Registry().MemberCount("abc") == 1 })

	// a 不在房间内：成员照常收到，a 自己收不到回显
	send(t, a, frame("chat", "abc", "knock"))
	if got := read(t, b); got != chatJSON("abc", "knock", "a") {
		t.Fatalf("b got %s", got)
	}
	waitFor(t, "persist", func() bool { return len(e.pers.snapshot()) == 1 })
	expectSilence(t, a)
}

func TestLeaveStopsDelivery(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true})
	a, b := e.dial(t, "a"), e.dial(t, "b")
	send(t, a, frame("join_room", "abc", ""))
	send(t, b, frame("join_room", "abc", ""))
	waitFor(t, "joins", func() bool { return e.srv.Registry().MemberCount("abc") == 2 })

	send(t, b, frame("leave_room", "abc", ""))
	waitFor(t, "leave", func() bool { return e.srv.Registry().MemberCount("abc") == 1 })

	send(t, a, frame("chat", "abc", "bye"))
	if got := read(t, a); got != chatJSON("abc", "bye", "a") {
		t.Fatalf("a got %s", got)
	}
	expectSilence(t, b)
}

func TestEchoDisabled(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: false})
	a, b := e.dial(t, "a"), e.dial(t, "b")
	send(t, a, frame("join_room", "abc", ""))
	send(t, b, frame("join_room", "abc", ""))
	waitFor(t, "joins", func() bool { return e.srv.Registry().MemberCount("abc") == 2 })

	send(t, a, frame("chat", "abc", "hello"))
	if got := read(t, b); got != chatJSON("abc", "hello", "a") {
		t.Fatalf("b got %s", got)
	}
	expectSilence(t, a)
}

func TestPerSenderOrdering(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: false})
	a, b := e.dial(t, "a"), e.dial(t, "b")
	send(t, a, frame("join_room", "abc", ""))
	send(t, b, frame("join_room", "abc", ""))
	waitFor(t, "joins", func() bool { return e.srv.Registry().MemberCount("abc") == 2 })

	const n = 50
	for i := 0; i < n; i++ {
		send(t, a, frame("chat", "abc", string(rune('a'+i%26))+"-"+time.Duration(i).String()))
	}
	for i := 0; i < n; i++ {
		want := chatJSON("abc", string(rune('a'+i%26))+"-"+time.Duration(i).String(), "a")
		if got := read(t, b); got != want {
			t.Fatalf("frame %d = %s, want %s", i, got, want)
		}
	}
}

func TestAllSessionsRemovedOnClose(t *testing.T) {
	e := newEnv(t, chat.ServerConf{})
	var conns []*websocket.Conn
	for _, u := range []string{"a", "b", "c", "d"} {
		c := e.dial(t, u)
		send(t, c, frame("join_room", "abc", ""))
		conns = append(conns, c)
	}
	waitFor(t, "joins", func() bool { return e.srv.Registry().MemberCount("abc") == 4 })
	for _, c := range conns {
		_ = c.Close()
	}
	waitFor(t, "cleanup", func() bool {
		return e.srv.Registry().Len() == 0 && e.srv.Registry().MemberCount("abc") == 0
	})
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, chat.ServerConf{})
	resp, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

// stuckVerifier 不理会 ctx，一直阻塞到测试结束
type stuckVerifier struct{ release chan struct{} }

func (v stuckVerifier) Verify(context.Context, string) (string, error) {
	<-v.release
	return "late-user", nil
}

func TestHandshakeTimeoutRejects(t *testing.T) {
	v := stuckVerifier{release: make(chan struct{})}
	t.Cleanup(func() { close(v.release) })
	e := newEnvWith(t, chat.ServerConf{HandshakeTimeout: 100 * time.Millisecond}, v)

	c, _, err := websocket.DefaultDialer.Dial(e.wsURL("any"), nil)
	if err != nil {
		t.Fatalf("upgrade should succeed before rejection: %v", err)
	}
	defer c.Close()
	start := time.Now()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want 1008 close, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("rejection took %v", waited)
	}
	if e.srv.Registry().Len() != 0 {
		t.Fatal("timed out handshake must not register a session")
	}
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	e := newEnv(t, chat.ServerConf{EchoSender: true, RatePerSecond: 1, RateBurst: 1})
	c := e.dial(t, "u1")
	send(t, c, frame("join_room", "abc", ""))
	waitFor(t, "join", func() bool { return e.srv.Registry().MemberCount("abc") == 1 })
	time.Sleep(1100 * time.Millisecond) // 令牌补满

	for i := 0; i < 5; i++ {
		send(t, c, frame("chat", "abc", "burst"))
	}
	dropped := e.srv.Metrics().FramesDropped.WithLabelValues("rate_limited")
	waitFor(t, "drops", func() bool { return testutil.ToFloat64(dropped) == 4 })
	if got := read(t, c); got != chatJSON("abc", "burst", "u1") {
		t.Fatalf("frame = %s", got)
	}

	// 连接仍然可用，下一帧必须是新消息而不是被丢弃的那几条
	time.Sleep(1100 * time.Millisecond)
	send(t, c, frame("chat", "abc", "after"))
	if got := read(t, c); got != chatJSON("abc", "after", "u1") {
		t.Fatalf("frame after refill = %s", got)
	}
	if e.srv.Registry().Len() != 1 {
		t.Fatal("rate limited connection must stay open")
	}
}
