// Package memstore is an in-process store.Client used by tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steemit/reelfeed/internal/store"
)

// Store keeps documents in memory. The hook fields let tests inject failures
// and observe calls; they are read under the store lock.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]interface{}

	// OnQuery, when set, runs before every Query; a non-nil error is returned as is.
	OnQuery func(q store.Query) error
	// OnGet, when set, runs before every GetByIDs.
	OnGet func(collection string, ids []string) error
	// OnWrite, when set, runs before every Write.
	OnWrite func(collection, id string, fields map[string]interface{}) error
	// ReverseGets returns GetByIDs results in reverse request order.
	ReverseGets bool

	queries int
	gets    int
	writes  int
}

// New returns an empty store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]map[string]interface{})}
}

// Put stores a document, replacing any previous version.
func (s *Store) Put(collection, id string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(collection)[id] = copyData(data)
}

// Delete removes a document.
func (s *Store) Delete(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.coll(collection), id)
}

// Doc returns a copy of a stored document.
func (s *Store) Doc(collection, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.coll(collection)[id]
	if !ok {
		return nil, false
	}
	return copyData(data), true
}

// Counts returns how many queries, gets and writes were served.
func (s *Store) Counts() (queries, gets, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.gets, s.writes
}

func (s *Store) coll(name string) map[string]map[string]interface{} {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]map[string]interface{})
		s.collections[name] = c
	}
	return c
}

// Query implements store.Client.
func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queries++
	hook := s.OnQuery
	s.mu.Unlock()
	if hook != nil {
		if err := hook(q); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	var docs []store.Document
	for id, data := range s.coll(q.Collection) {
		doc := store.Document{ID: id, Data: data}
		if matches(doc, q.Filters) {
			docs = append(docs, store.Document{ID: id, Data: copyData(data)})
		}
	}
	s.mu.Unlock()

	sort.SliceStable(docs, func(i, j int) bool {
		return compareDocs(docs[i], docs[j], q.OrderBy) < 0
	})

	if len(q.After) > 0 {
		start := len(docs)
		for i, d := range docs {
			if compareToToken(d, q.OrderBy, q.After) > 0 {
				start = i
				break
			}
		}
		docs = docs[start:]
	}
	if len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return &store.Page{Documents: docs}, nil
}

// GetByIDs implements store.Client.
func (s *Store) GetByIDs(ctx context.Context, collection string, ids []string) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := store.ValidateIDs(ids); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.gets++
	hook := s.OnGet
	s.mu.Unlock()
	if hook != nil {
		if err := hook(collection, ids); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	out := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		if data, ok := c[id]; ok {
			out = append(out, store.Document{ID: id, Data: copyData(data)})
		}
	}
	if s.ReverseGets {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Write implements store.Client.
func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.writes++
	hook := s.OnWrite
	s.mu.Unlock()
	if hook != nil {
		if err := hook(collection, id, fields); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(collection)
	data, ok := c[id]
	if !ok {
		data = make(map[string]interface{}, len(fields))
		c[id] = data
	}
	for k, v := range fields {
		if inc, ok := v.(store.Increment); ok {
			data[k] = toInt64(data[k]) + int64(inc)
			continue
		}
		data[k] = v
	}
	return nil
}

func field(doc store.Document, name string) interface{} {
	if name == store.FieldID {
		return doc.ID
	}
	return doc.Data[name]
}

func matches(doc store.Document, filters []store.Filter) bool {
	for _, f := range filters {
		v := field(doc, f.Field)
		switch f.Op {
		case store.OpIn:
			found := false
			for _, want := range f.Values {
				if compare(v, want) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case store.OpEqual:
			if compare(v, f.Values[0]) != 0 {
				return false
			}
		case store.OpNotEqual:
			if compare(v, f.Values[0]) == 0 {
				return false
			}
		}
	}
	return true
}

func compareDocs(a, b store.Document, order []store.OrderBy) int {
	for _, o := range order {
		c := compare(field(a, o.Field), field(b, o.Field))
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareToToken(doc store.Document, order []store.OrderBy, token store.Token) int {
	for i, o := range order {
		c := compare(field(doc, o.Field), token[i])
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compare orders values of the same kind; mismatched kinds compare by type name.
func compare(a, b interface{}) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	case int, int32, int64, float64:
		switch b.(type) {
		case int, int32, int64, float64:
			af, bf := toFloat(a), toFloat(b)
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	case nil:
		if b == nil {
			return 0
		}
		return -1
	}
	if b == nil {
		return 1
	}
	at, bt := fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func copyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
