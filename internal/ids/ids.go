package ids

import "github.com/segmentio/ksuid"

// New returns a K-sortable unique identifier. Identifiers minted later
// sort after earlier ones at second resolution; ordering inside a
// conversation is carried by the message seq, not by the id.
func New() string {
	return ksuid.New().String()
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ksuid.Parse(s)
	return err == nil
}
