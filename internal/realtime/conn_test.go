package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wtfteams/wtfsync/internal/bus"
	"github.com/wtfteams/wtfsync/internal/config"
	"github.com/wtfteams/wtfsync/internal/credstore"
	"github.com/wtfteams/wtfsync/internal/presence"
	"github.com/wtfteams/wtfsync/internal/status"
	"github.com/wtfteams/wtfsync/internal/transport"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore(token, user string) *memStore {
	s := &memStore{m: make(map[string]string)}
	if token != "" {
		s.m[credstore.KeyToken] = token
	}
	if user != "" {
		s.m[credstore.KeyUser] = user
	}
	return s
}

func (s *memStore) GetItem(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memStore) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	frames  chan transport.Frame
	errs    chan error
	sent    []transport.Frame
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan transport.Frame, 32),
		errs:   make(chan error, 1),
	}
}

func (f *fakeTransport) Dial(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialErr
}

func (f *fakeTransport) Send(fr transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) Frames() <-chan transport.Frame { return f.frames }
func (f *fakeTransport) Errs() <-chan error             { return f.errs }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	fr, err := transport.NewFrame(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	f.frames <- fr
}

// drop simulates the server side going away.
func (f *fakeTransport) drop() { close(f.frames) }

func (f *fakeTransport) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.sent {
		if fr.Event == event {
			n++
		}
	}
	return n
}

// scriptDialer hands out pre-built transports in order, one per connection
// attempt. When the script runs out, further attempts are refused.
type scriptDialer struct {
	mu    sync.Mutex
	queue []*fakeTransport
}

func (d *scriptDialer) load(ts ...*fakeTransport) {
	d.mu.Lock()
	d.queue = append(d.queue, ts...)
	d.mu.Unlock()
}

func (d *scriptDialer) dial() transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		t := newFakeTransport()
		t.dialErr = transport.ErrConnectionRefused
		return t
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	return next
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Connection.CredentialTimeoutMS = 500
	cfg.Connection.HandshakeTimeoutMS = 500
	cfg.Backoff = config.Backoff{BaseMS: 1, MaxMS: 5, MaxAttempts: 3}
	return cfg
}

func newTestConn(t *testing.T, store credstore.Store, dialer transport.Dialer) (*Conn, *bus.Bus) {
	t.Helper()
	b := bus.New()
	conn := New(testConfig(), store, dialer,
		presence.NewRegistry(b, nil), status.NewMachine(b), b, nil)
	t.Cleanup(conn.Stop)
	return conn, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

const selfUser = `{"_id":"self"}`

func TestStartHappyPath(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, b := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	ch, unsub := b.Subscribe(bus.KindSessionReady, 10)
	defer unsub()

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "never reached CONNECTED")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no session ready event")
	}

	if got := ft.sentCount(transport.EventAuthenticate); got != 1 {
		t.Errorf("authenticate frames = %d, want 1", got)
	}
	if got := ft.sentCount(transport.EventRequestPresence); got != 1 {
		t.Errorf("presence requests = %d, want 1", got)
	}
	if conn.UserID() != "self" {
		t.Errorf("UserID = %q, want self", conn.UserID())
	}
	if err := conn.LastError(); err != nil {
		t.Errorf("LastError = %v, want nil while connected", err)
	}

	// Second Start while connected is a no-op.
	if err := conn.Start(context.Background()); err != nil {
		t.Errorf("redundant Start error = %v", err)
	}
}

func TestReconnectRequestsFreshSnapshot(t *testing.T) {
	first := newFakeTransport()
	first.push(t, transport.EventConnected, nil)
	first.push(t, transport.EventPresenceSnapshot, []string{"alice"})
	second := newFakeTransport()
	second.push(t, transport.EventConnected, nil)
	second.push(t, transport.EventPresenceSnapshot, []string{"bob"})
	dialer := &scriptDialer{queue: []*fakeTransport{first, second}}

	conn, _ := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.registry.IsOnline("alice") }, "first snapshot never applied")

	first.drop()
	waitFor(t, func() bool { return conn.registry.IsOnline("bob") }, "second snapshot never applied")

	// Each successful connect requests exactly one snapshot, and the
	// registry reflects only the latest one.
	if got := first.sentCount(transport.EventRequestPresence); got != 1 {
		t.Errorf("first connection presence requests = %d, want 1", got)
	}
	if got := second.sentCount(transport.EventRequestPresence); got != 1 {
		t.Errorf("second connection presence requests = %d, want 1", got)
	}
	if conn.registry.IsOnline("alice") {
		t.Error("stale presence entry survived the reconnect")
	}
	if conn.Status() != status.Connected {
		t.Errorf("status = %s, want CONNECTED", conn.Status())
	}
}

func TestInboundFrameDispatch(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, b := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	remote, unsub := b.Subscribe("remote.", 32)
	defer unsub()

	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "never connected")

	ft.push(t, transport.EventPresenceDelta, transport.PresenceDelta{UserID: "alice", Online: true})
	waitFor(t, func() bool { return conn.registry.IsOnline("alice") }, "delta never applied")

	// A malformed snapshot is dropped without touching the registry.
	ft.frames <- transport.Frame{Event: transport.EventPresenceSnapshot, Data: []byte(`{"nope":1}`)}
	ft.push(t, transport.EventTyping, transport.TypingPayload{UserID: "alice", ConversationID: "c1"})

	select {
	case evt := <-remote:
		if evt.Kind != bus.KindRemoteTypingStart {
			t.Fatalf("event kind = %s, want %s", evt.Kind, bus.KindRemoteTypingStart)
		}
		p := evt.Payload.(transport.TypingPayload)
		if p.UserID != "alice" || p.ConversationID != "c1" {
			t.Errorf("typing payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("typing event never republished")
	}

	if !conn.registry.IsOnline("alice") {
		t.Error("malformed snapshot wiped the registry")
	}

	ft.push(t, transport.EventMessageReceived, transport.InboundMessage{
		ID:             "m1",
		ConversationID: "c1",
		Sender:         transport.WireSender{ID: "alice"},
		Content:        "hey",
		CreatedAt:      time.Now(),
	})
	select {
	case evt := <-remote:
		if evt.Kind != bus.KindRemoteMessage {
			t.Fatalf("event kind = %s, want %s", evt.Kind, bus.KindRemoteMessage)
		}
		m := evt.Payload.(transport.InboundMessage)
		if m.ID != "m1" || m.Sender.ID != "alice" {
			t.Errorf("message payload = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("message event never republished")
	}
}

func TestOutboundFrames(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, _ := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "never connected")

	if err := conn.JoinConversation("c1"); err != nil {
		t.Errorf("JoinConversation error = %v", err)
	}
	if err := conn.SendTyping("c1", true); err != nil {
		t.Errorf("SendTyping error = %v", err)
	}
	if err := conn.SendTyping("c1", false); err != nil {
		t.Errorf("SendTyping stop error = %v", err)
	}
	if err := conn.BroadcastMessage("c1", "m1", "hey"); err != nil {
		t.Errorf("BroadcastMessage error = %v", err)
	}

	for _, want := range []string{
		transport.EventJoinConversation,
		transport.EventTyping,
		transport.EventStopTyping,
		transport.EventSendMessage,
	} {
		if got := ft.sentCount(want); got != 1 {
			t.Errorf("%s frames = %d, want 1", want, got)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	conn, _ := newTestConn(t, newMemStore("tok", selfUser), (&scriptDialer{}).dial)
	if err := conn.SendTyping("c1", true); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendTyping error = %v, want ErrNotConnected", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	conn, _ := newTestConn(t, newMemStore("", ""), (&scriptDialer{}).dial)
	err := conn.Start(context.Background())
	if !errors.Is(err, credstore.ErrCredentialsUnavailable) {
		t.Fatalf("Start error = %v, want ErrCredentialsUnavailable", err)
	}
	if conn.Status() != status.Failed {
		t.Errorf("status = %s, want FAILED", conn.Status())
	}
	if !errors.Is(conn.LastError(), credstore.ErrCredentialsUnavailable) {
		t.Errorf("LastError = %v, want ErrCredentialsUnavailable", conn.LastError())
	}
}

func TestExpiredTokenRejectedBeforeDial(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	token, err := expired.SignedString([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}

	conn, b := newTestConn(t, newMemStore(token, selfUser), (&scriptDialer{}).dial)
	ch, unsub := b.Subscribe(bus.KindAuthRejected, 10)
	defer unsub()

	if err := conn.Start(context.Background()); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Start error = %v, want ErrAuthRejected", err)
	}
	if conn.Status() != status.Failed {
		t.Errorf("status = %s, want FAILED", conn.Status())
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no auth rejected event")
	}
}

func TestServerAuthDisconnect(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, b := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	ch, unsub := b.Subscribe(bus.KindAuthRejected, 10)
	defer unsub()

	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "never connected")

	ft.push(t, transport.EventDisconnected, transport.DisconnectPayload{Reason: transport.ReasonAuth})
	waitFor(t, func() bool { return conn.Status() == status.Failed }, "auth disconnect did not fail the session")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no auth rejected event")
	}
}

func TestRetriesExhausted(t *testing.T) {
	// Empty script: every attempt is refused.
	dialer := &scriptDialer{}
	conn, _ := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Failed }, "never reached FAILED")
	if conn.LastError() == nil {
		t.Error("LastError = nil, want the connect failure")
	}

	// Manual retry on the same connection walks the schedule again.
	second := newFakeTransport()
	second.push(t, transport.EventConnected, nil)
	dialer.load(second)
	if err := conn.Retry(context.Background()); err != nil {
		t.Fatalf("Retry error = %v", err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "retry never connected")
	if err := conn.LastError(); err != nil {
		t.Errorf("LastError = %v, want nil after successful retry", err)
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, _ := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	cfg := conn.cfg
	cfg.Backoff.BaseMS = 60_000
	cfg.Backoff.MaxMS = 60_000

	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.Status() == status.Connected }, "never connected")

	ft.push(t, transport.EventPresenceSnapshot, []string{"alice"})
	waitFor(t, func() bool { return conn.registry.IsOnline("alice") }, "snapshot never applied")

	ft.drop()
	waitFor(t, func() bool { return conn.Status() == status.Reconnecting }, "never entered RECONNECTING")

	stopped := make(chan struct{})
	go func() {
		conn.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the pending reconnect timer")
	}

	if conn.Status() != status.Disconnected {
		t.Errorf("status = %s, want DISCONNECTED", conn.Status())
	}
	if len(conn.registry.Snapshot()) != 0 {
		t.Error("presence not cleared on stop")
	}

	// Stop is idempotent.
	conn.Stop()
}

func TestDropClearsPresence(t *testing.T) {
	ft := newFakeTransport()
	ft.push(t, transport.EventConnected, nil)
	ft.push(t, transport.EventPresenceSnapshot, []string{"alice", "bob"})
	dialer := &scriptDialer{queue: []*fakeTransport{ft}}

	conn, _ := newTestConn(t, newMemStore("tok", selfUser), dialer.dial)
	if err := conn.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return conn.registry.IsOnline("bob") }, "snapshot never applied")

	ft.drop()
	waitFor(t, func() bool { return len(conn.registry.Snapshot()) == 0 }, "presence not cleared on drop")
}
