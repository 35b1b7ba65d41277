package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matborges/lojachat/internal/bus"
	"github.com/matborges/lojachat/internal/status"
	"github.com/matborges/lojachat/internal/stomp"
	"github.com/matborges/lojachat/internal/store"
)

type fakeClock struct {
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{ch: make(chan time.Time)}
}

func (f *fakeClock) After(time.Duration) <-chan time.Time { return f.ch }

func (f *fakeClock) tick() { f.ch <- time.Now() }

// brokerConn is one accepted websocket on the test broker, after the STOMP
// handshake and the three subscription frames have been consumed.
type brokerConn struct {
	ws      *websocket.Conn
	connect *stomp.Frame
	sends   chan *stomp.Frame
}

func (b *brokerConn) push(t *testing.T, dest string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f := stomp.New(stomp.CmdMessage,
		stomp.HdrDestination, dest,
		stomp.HdrContentType, "application/json",
	)
	f.Body = body
	if err := b.ws.WriteMessage(websocket.TextMessage, f.Marshal()); err != nil {
		t.Fatal(err)
	}
}

func (b *brokerConn) pushRaw(t *testing.T, dest string, body string) {
	t.Helper()
	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, dest)
	f.Body = []byte(body)
	if err := b.ws.WriteMessage(websocket.TextMessage, f.Marshal()); err != nil {
		t.Fatal(err)
	}
}

func (b *brokerConn) pushBytes(t *testing.T, data []byte) {
	t.Helper()
	if err := b.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// testBroker upgrades connections, performs the STOMP handshake (or rejects
// when reject is set) and hands each session to the test over conns.
type testBroker struct {
	srv    *httptest.Server
	conns  chan *brokerConn
	dials  atomic.Int32
	reject bool
}

func newTestBroker(t *testing.T, reject bool) *testBroker {
	t.Helper()
	b := &testBroker{conns: make(chan *brokerConn, 4), reject: reject}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.dials.Add(1)

		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return
		}
		connect, err := stomp.Parse(data)
		if err != nil || connect.Command != stomp.CmdConnect {
			ws.Close()
			return
		}
		if b.reject {
			f := stomp.New(stomp.CmdError, stomp.HdrMessage, "bad credentials")
			ws.WriteMessage(websocket.TextMessage, f.Marshal())
			ws.Close()
			return
		}
		ws.WriteMessage(websocket.TextMessage, stomp.New(stomp.CmdConnected).Marshal())

		conn := &brokerConn{ws: ws, connect: connect, sends: make(chan *stomp.Frame, 16)}
		go func() {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					close(conn.sends)
					return
				}
				f, err := stomp.Parse(data)
				if err != nil || f == nil {
					continue
				}
				if f.Command == stomp.CmdSend {
					conn.sends <- f
				}
			}
		}()
		b.conns <- conn
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBroker) accept(t *testing.T) *brokerConn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a broker connection")
		return nil
	}
}

func newTestClient(t *testing.T, broker *testBroker, clock Clock) (*Client, *status.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	client, err := New(Config{
		URL:     broker.wsURL(),
		Token:   "tok-123",
		Machine: machine,
		Bus:     b,
		Clock:   clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client, machine, b
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func recvEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestConnectHandshake(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, _ := newTestClient(t, broker, newFakeClock())

	go client.Connect(context.Background())
	conn := broker.accept(t)

	if got := conn.connect.Header(stomp.HdrAuthorization); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
	if got := conn.connect.Header(stomp.HdrAcceptVersion); got != "1.2" {
		t.Errorf("accept-version = %q, want 1.2", got)
	}
	waitState(t, machine, status.Connected)
}

func TestInboundFramesBecomeBusEvents(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, b := newTestClient(t, broker, newFakeClock())
	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	go client.Connect(context.Background())
	conn := broker.accept(t)
	waitState(t, machine, status.Connected)

	conn.push(t, "/user/queue/messages", store.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi",
		SentAt: time.Now(), Status: store.StatusDelivered,
	})
	evt := recvEvent(t, events, "chat.message")
	msg, ok := evt.Payload.(store.Message)
	if !ok || msg.ID != "m1" || msg.Content != "hi" {
		t.Errorf("payload = %+v, want decoded message m1", evt.Payload)
	}

	conn.push(t, "/user/queue/acks", store.Ack{
		Message:        store.Message{ID: "m2", ConversationID: "c1", SenderID: "u1", Content: "yo"},
		ReceiverOnline: true,
	})
	evt = recvEvent(t, events, "chat.ack")
	ack, ok := evt.Payload.(store.Ack)
	if !ok || ack.Message.ID != "m2" || !ack.ReceiverOnline {
		t.Errorf("payload = %+v, want decoded ack m2", evt.Payload)
	}

	conn.push(t, "/topic/presence", store.PresenceEvent{UserID: "u2", Online: true})
	evt = recvEvent(t, events, "chat.presence")
	p, ok := evt.Payload.(store.PresenceEvent)
	if !ok || p.UserID != "u2" || !p.Online {
		t.Errorf("payload = %+v, want decoded presence u2", evt.Payload)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, b := newTestClient(t, broker, newFakeClock())
	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	go client.Connect(context.Background())
	conn := broker.accept(t)
	waitState(t, machine, status.Connected)

	conn.pushRaw(t, "/user/queue/messages", "{not json")
	conn.push(t, "/user/queue/messages", store.Message{ID: "good", ConversationID: "c1", SenderID: "u2"})

	evt := recvEvent(t, events, "chat.message")
	msg := evt.Payload.(store.Message)
	if msg.ID != "good" {
		t.Errorf("got %q, want the valid frame to survive the malformed one", msg.ID)
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, malformed payload must not drop the connection", machine.Current())
	}
}

// A frame that fails STOMP parsing (not just JSON decoding) must be dropped
// the same way: the session survives and later frames still arrive.
func TestUnparseableEnvelopeIsDropped(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, b := newTestClient(t, broker, newFakeClock())
	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	go client.Connect(context.Background())
	conn := broker.accept(t)
	waitState(t, machine, status.Connected)

	conn.pushBytes(t, []byte("MESSAGE\nbadheader\n\n{}\x00"))
	conn.push(t, "/user/queue/messages", store.Message{ID: "after", ConversationID: "c1", SenderID: "u2"})

	evt := recvEvent(t, events, "chat.message")
	msg := evt.Payload.(store.Message)
	if msg.ID != "after" {
		t.Errorf("got %q, want the frame after the bad envelope", msg.ID)
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, a bad envelope must not end the session", machine.Current())
	}
	if n := broker.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect)", n)
	}
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	broker := newTestBroker(t, false)
	client, _, _ := newTestClient(t, broker, newFakeClock())

	err := client.Send(store.SendRequest{ReceiverID: "u2", Content: "hello"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestSendWritesFrame(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, _ := newTestClient(t, broker, newFakeClock())

	go client.Connect(context.Background())
	conn := broker.accept(t)
	waitState(t, machine, status.Connected)

	if err := client.Send(store.SendRequest{ConversationID: "c1", ReceiverID: "u2", Content: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case f := <-conn.sends:
		if got := f.Header(stomp.HdrDestination); got != "/app/chat.send" {
			t.Errorf("destination = %q", got)
		}
		var req store.SendRequest
		if err := json.Unmarshal(f.Body, &req); err != nil {
			t.Fatalf("body is not JSON: %v", err)
		}
		if req.ReceiverID != "u2" || req.Content != "hi" {
			t.Errorf("request = %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broker never received the SEND frame")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	broker := newTestBroker(t, false)
	clock := newFakeClock()
	client, machine, _ := newTestClient(t, broker, clock)

	go client.Connect(context.Background())
	conn := broker.accept(t)
	waitState(t, machine, status.Connected)

	// Kill the socket: the client must fall back to idle and wait for the
	// fixed reconnect delay, then dial again.
	conn.ws.Close()
	waitState(t, machine, status.Idle)

	clock.tick()
	broker.accept(t)
	waitState(t, machine, status.Connected)

	if n := broker.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestBrokerRejectionStopsRetry(t *testing.T) {
	broker := newTestBroker(t, true)
	clock := newFakeClock()
	client, machine, _ := newTestClient(t, broker, clock)

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Connect() should fail on broker rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return after rejection")
	}
	if machine.Current() != status.Error {
		t.Errorf("state = %s, want ERROR", machine.Current())
	}
	if n := broker.dials.Load(); n != 1 {
		t.Errorf("dials = %d, rejection must not be retried", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := newTestBroker(t, false)
	client, machine, _ := newTestClient(t, broker, newFakeClock())

	go client.Connect(context.Background())
	broker.accept(t)
	waitState(t, machine, status.Connected)

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	waitState(t, machine, status.Idle)

	if err := client.Send(store.SendRequest{ReceiverID: "u2", Content: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestRejectsNonWebsocketURL(t *testing.T) {
	_, err := New(Config{URL: "http://example.com/ws"})
	if err == nil {
		t.Fatal("http scheme should be rejected")
	}
}
