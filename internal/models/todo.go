// Package models defines the record type persisted by the store and
// its export encodings.
package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

// MaxTextLen caps the text of a single todo, in runes.
const MaxTextLen = 500

// Todo is the stored record: one line of work and its done state.
type Todo struct {
	ID      int64     `json:"id"`
	Text    string    `json:"text"`
	Done    bool      `json:"done"`
	Created time.Time `json:"created_at"`
	Updated time.Time `json:"updated_at"`
}

// New creates an unsaved todo with fresh timestamps. The id stays zero
// until the store assigns one.
func New(text string) *Todo {
	now := time.Now().UTC()
	return &Todo{Text: text, Created: now, Updated: now}
}

// Clone returns a deep copy of the Todo.
func (t *Todo) Clone() *Todo {
	c := *t
	return &c
}

// Validate checks that the record is storable.
func (t *Todo) Validate() error {
	if t.ID < 0 {
		return fwerrors.Schema(fmt.Sprintf("id %d must not be negative", t.ID))
	}
	if strings.TrimSpace(t.Text) == "" {
		return fwerrors.Schema("text must not be empty")
	}
	if n := utf8.RuneCountInString(t.Text); n > MaxTextLen {
		return fwerrors.Schema(fmt.Sprintf("text length %d exceeds the maximum of %d", n, MaxTextLen))
	}
	return nil
}

// DocID returns the storage id.
func (t *Todo) DocID() int64 {
	return t.ID
}

// WithDocID returns a copy carrying the given storage id.
func (t *Todo) WithDocID(id int64) *Todo {
	c := *t
	c.ID = id
	return &c
}

// MarkDone flips the done state and touches the update time.
func (t *Todo) MarkDone(done bool) {
	t.Done = done
	t.Updated = time.Now().UTC()
}
