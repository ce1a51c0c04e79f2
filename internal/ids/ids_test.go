package ids

import "testing"

func TestNewIsUniqueAndValid(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("New returned unparsable id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	if Valid("not-an-id") {
		t.Error("expected garbage to be rejected")
	}
}
