package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/ids"
	"chatcore/internal/models"
	"chatcore/internal/store/sqlitestore"
)

func newTestDirectory(t *testing.T) (*Directory, *sqlitestore.Store) {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, s, zerolog.Nop()), s
}

func TestResolvePrivateIsSymmetric(t *testing.T) {
	d, _ := newTestDirectory(t)
	if d.ResolvePrivate("x", "y") != d.ResolvePrivate("y", "x") {
		t.Fatal("private refs must not depend on argument order")
	}
}

func TestCreateGroupMembership(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	room, err := d.CreateGroup(ctx, "team", "a", []string{"b", "c", "b"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if len(room.Members) != 3 || room.Members[0] != "a" {
		t.Errorf("unexpected members %v", room.Members)
	}

	members, err := d.MembersOf(ctx, models.GroupRef(room.ID))
	if err != nil || len(members) != 3 {
		t.Fatalf("MembersOf = %v, %v", members, err)
	}

	if _, err := d.CreateGroup(ctx, "team", "a", []string{"b"}); err != nil {
		t.Errorf("duplicate names are allowed: %v", err)
	}
}

func TestCreateGroupRejectsEmptyMembership(t *testing.T) {
	d, _ := newTestDirectory(t)
	for _, members := range [][]string{nil, {}, {"a"}} {
		_, err := d.CreateGroup(context.Background(), "solo", "a", members)
		if !errors.Is(err, ErrEmptyMembership) || !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("members %v: expected ErrEmptyMembership, got %v", members, err)
		}
	}
	if _, err := d.CreateGroup(context.Background(), "  ", "a", []string{"b"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank name should be rejected, got %v", err)
	}
}

func TestJoin(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()
	room, err := d.CreateGroup(ctx, "team", "a", []string{"b"})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	ref := models.GroupRef(room.ID)

	for i := 0; i < 2; i++ {
		if err := d.Join(ctx, ref, "b"); err != nil {
			t.Fatalf("Join #%d: %v", i+1, err)
		}
	}
	if err := d.Join(ctx, ref, "z"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	if err := d.Join(ctx, models.GroupRef("missing"), "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestPeersCombinesPartnersAndRooms(t *testing.T) {
	d, s := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.CreateGroup(ctx, "team", "a", []string{"b", "c"}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	msg := &models.Message{
		ID:           ids.New(),
		Conversation: models.PrivateRef("a", "d"),
		SenderID:     "d",
		RecipientID:  "a",
		Body:         "hey",
		CreatedAt:    time.Now(),
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	peers, err := d.Peers(ctx, "a")
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	want := map[string]bool{"b": true, "c": true, "d": true}
	if len(peers) != len(want) {
		t.Fatalf("unexpected peers %v", peers)
	}
	for _, p := range peers {
		if !want[p] {
			t.Errorf("unexpected peer %s", p)
		}
	}
}
