package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/steemit/reelfeed/internal/store"
)

// Chain identifies which source a cursor pages through.
type Chain int

const (
	// ChainCanonical pages the canonical posts collection.
	ChainCanonical Chain = iota + 1
	// ChainFanout pages a viewer's fan-out index.
	ChainFanout
)

func (c Chain) String() string {
	switch c {
	case ChainCanonical:
		return "canonical"
	case ChainFanout:
		return "fanout"
	}
	return fmt.Sprintf("chain(%d)", int(c))
}

// ErrCursorChain is returned when a cursor is used against the other chain.
var ErrCursorChain = errors.New("cursor belongs to a different chain")

// Cursor is an opaque resume point within one chain.
type Cursor struct {
	chain     Chain
	hasToken  bool
	timestamp time.Time
	id        string
	consumed  int
}

// Start returns a cursor at the head of chain.
func Start(chain Chain) Cursor {
	return Cursor{chain: chain}
}

// Chain returns the chain the cursor belongs to.
func (c Cursor) Chain() Chain {
	return c.chain
}

// Consumed returns how many items have been read through this cursor chain.
func (c Cursor) Consumed() int {
	return c.consumed
}

// AtStart reports whether no page has been read yet.
func (c Cursor) AtStart() bool {
	return !c.hasToken
}

// Token returns the store resume token, or nil at the start of the chain.
func (c Cursor) Token() store.Token {
	if !c.hasToken {
		return nil
	}
	return store.Token{c.timestamp, c.id}
}

// Last returns the sort key of the last item read.
func (c Cursor) Last() (time.Time, string, bool) {
	return c.timestamp, c.id, c.hasToken
}

// Advance moves the cursor past items. An empty batch leaves it unchanged.
func (c Cursor) Advance(items []Post) Cursor {
	if len(items) == 0 {
		return c
	}
	last := items[len(items)-1]
	return c.advanceTo(last.Timestamp, last.ID, len(items))
}

// AdvanceRefs moves the cursor past fan-out refs.
func (c Cursor) AdvanceRefs(refs []SimplifiedPostRef) Cursor {
	if len(refs) == 0 {
		return c
	}
	last := refs[len(refs)-1]
	return c.advanceTo(last.Timestamp, last.ID, len(refs))
}

// AdvanceDocs moves the cursor past a raw store page whether or not its
// documents decoded, so skipped documents are never read again. The resume
// key is the last document with a readable timestamp; ok is false when a
// non-empty page has none.
func (c Cursor) AdvanceDocs(docs []store.Document) (next Cursor, ok bool) {
	for i := len(docs) - 1; i >= 0; i-- {
		ts, err := docTimestamp(docs[i])
		if err != nil {
			continue
		}
		return c.advanceTo(ts, docs[i].ID, len(docs)), true
	}
	return c, len(docs) == 0
}

func (c Cursor) advanceTo(ts time.Time, id string, n int) Cursor {
	c.hasToken = true
	c.timestamp = ts
	c.id = id
	c.consumed += n
	return c
}

// IsExhausted reports whether a page of count items, requested with
// pageSize, ends its chain.
func IsExhausted(count, pageSize int) bool {
	return count < pageSize
}

func (c Cursor) check(chain Chain) error {
	if c.chain != chain {
		return fmt.Errorf("%w: have %s, want %s", ErrCursorChain, c.chain, chain)
	}
	return nil
}
