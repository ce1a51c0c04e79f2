package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/models"
	"chatcore/internal/security"
	"chatcore/internal/session"
)

type recorder struct {
	id string

	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(evt session.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func (r *recorder) Close(string) {}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, evt := range r.events {
		if evt.Name == EventTyping || evt.Name == EventStopTyping {
			out = append(out, evt.Name)
		}
	}
	return out
}

type staticMembers map[string][]string

func (m staticMembers) MembersOf(_ context.Context, ref models.ConversationRef) ([]string, error) {
	if ref.Kind == models.KindPrivate {
		a, b, _ := ref.Parties()
		return []string{a, b}, nil
	}
	members, ok := m[ref.ID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return members, nil
}

type fixture struct {
	registry *session.Registry
	typing   *Broadcaster
}

func newFixture(window time.Duration, rooms staticMembers) *fixture {
	reg := session.NewRegistry(nil, zerolog.Nop())
	return &fixture{
		registry: reg,
		typing:   NewBroadcaster(reg, rooms, window, zerolog.Nop()),
	}
}

func (f *fixture) connect(id, userID, username string) (*session.Session, *recorder) {
	conn := &recorder{id: id}
	tok := security.Token{Subject: userID, Username: username, ID: id, ExpiresAt: time.Now().Add(time.Hour)}
	return f.registry.Register(conn, tok), conn
}

func TestTypingAutoClearsWithinWindow(t *testing.T) {
	f := newFixture(50*time.Millisecond, nil)
	alice, aliceConn := f.connect("a1", "a", "alice")
	_, bobConn := f.connect("b1", "b", "bob")
	ref := models.PrivateRef("a", "b")

	if err := f.typing.Start(context.Background(), alice, ref, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !f.typing.Active(ref, "a") {
		t.Fatal("expected typing to be active")
	}

	deadline := time.Now().Add(time.Second)
	for f.typing.Active(ref, "a") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.typing.Active(ref, "a") {
		t.Fatal("typing did not expire")
	}

	got := bobConn.names()
	if len(got) != 2 || got[0] != EventTyping || got[1] != EventStopTyping {
		t.Errorf("bob saw %v", got)
	}
	if n := len(aliceConn.names()); n != 0 {
		t.Errorf("sender must not see its own indicator, got %d events", n)
	}
}

func TestRepeatedStartDoesNotStack(t *testing.T) {
	f := newFixture(time.Minute, nil)
	alice, _ := f.connect("a1", "a", "alice")
	_, bobConn := f.connect("b1", "b", "bob")
	ref := models.PrivateRef("a", "b")

	for i := 0; i < 3; i++ {
		if err := f.typing.Start(context.Background(), alice, ref, 0); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	f.typing.StopOnSend("a", ref)

	got := bobConn.names()
	if len(got) != 2 || got[0] != EventTyping || got[1] != EventStopTyping {
		t.Errorf("expected one start and one stop, got %v", got)
	}
}

func TestStaleSequenceIgnored(t *testing.T) {
	f := newFixture(time.Minute, nil)
	alice, _ := f.connect("a1", "a", "alice")
	_, bobConn := f.connect("b1", "b", "bob")
	ref := models.PrivateRef("a", "b")

	if err := f.typing.Start(context.Background(), alice, ref, 5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.typing.Stop(alice, ref, 4)
	if !f.typing.Active(ref, "a") {
		t.Fatal("stale stop must be ignored")
	}

	f.typing.Stop(alice, ref, 6)
	if err := f.typing.Start(context.Background(), alice, ref, 6); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.typing.Active(ref, "a") {
		t.Fatal("start older than the last stop must be ignored")
	}
	if got := bobConn.names(); len(got) != 2 {
		t.Errorf("unexpected events %v", got)
	}
}

func TestGroupTypingReachesJoinedMembersOnly(t *testing.T) {
	f := newFixture(time.Minute, staticMembers{"r1": {"a", "b", "c"}})
	alice, _ := f.connect("a1", "a", "alice")
	alice2, alice2Conn := f.connect("a2", "a", "alice")
	bob, bobConn := f.connect("b1", "b", "bob")
	_, carolConn := f.connect("c1", "c", "carol")
	_, daveConn := f.connect("d1", "d", "dave")
	bob.JoinRoom("r1")
	alice2.JoinRoom("r1")

	ref := models.GroupRef("r1")
	if err := f.typing.Start(context.Background(), alice, ref, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(bobConn.names()) != 1 {
		t.Error("joined member should see typing")
	}
	if len(carolConn.names()) != 0 {
		t.Error("member that has not joined should not see typing")
	}
	if len(alice2Conn.names()) != 0 || len(daveConn.names()) != 0 {
		t.Error("sender devices and non-members must not see typing")
	}

	dave, _ := f.registry.Lookup("d1")
	if err := f.typing.Start(context.Background(), dave, ref, 0); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden for non-member, got %v", err)
	}
}

func TestForgetClearsIndicators(t *testing.T) {
	f := newFixture(time.Minute, nil)
	alice, _ := f.connect("a1", "a", "alice")
	_, bobConn := f.connect("b1", "b", "bob")
	ref := models.PrivateRef("a", "b")

	if err := f.typing.Start(context.Background(), alice, ref, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.typing.Forget("a")
	if f.typing.Active(ref, "a") {
		t.Fatal("forgotten identity still typing")
	}
	if got := bobConn.names(); len(got) != 2 || got[1] != EventStopTyping {
		t.Errorf("expected stop after forget, got %v", got)
	}
}
