// Package store defines the document store contract the feed reads and
// writes through. Implementations live in internal/db (Postgres via gorm)
// and internal/store/firestore.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Collections used by the feed.
const (
	CollectionPosts        = "posts"
	CollectionInteractions = "interactions"
	CollectionFeedRefs     = "feed_refs"
	CollectionFollows      = "follows"
)

// FieldID addresses the document id in filters and orderings.
const FieldID = "id"

// MaxInValues is the largest value list an "in" filter may carry.
const MaxInValues = 30

var (
	// ErrStoreUnavailable is a transient failure; the call may be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrQueryRejected means the query itself is malformed and must not be retried.
	ErrQueryRejected = errors.New("query rejected")
	// ErrHydrationPartial means some requested ids did not resolve.
	ErrHydrationPartial = errors.New("hydration partial")
	// ErrWriteConflict means a write could not be applied.
	ErrWriteConflict = errors.New("write conflict")
)

// Op is a filter comparison.
type Op string

const (
	OpIn       Op = "in"
	OpEqual    Op = "=="
	OpNotEqual Op = "!="
)

// Filter restricts a query to documents whose Field matches Values under Op.
// OpEqual and OpNotEqual take exactly one value.
type Filter struct {
	Field  string
	Op     Op
	Values []interface{}
}

// In builds an "in" filter over string values.
func In(field string, values []string) Filter {
	vs := make([]interface{}, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Filter{Field: field, Op: OpIn, Values: vs}
}

// Eq builds an equality filter.
func Eq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpEqual, Values: []interface{}{value}}
}

// Neq builds an inequality filter.
func Neq(field string, value interface{}) Filter {
	return Filter{Field: field, Op: OpNotEqual, Values: []interface{}{value}}
}

// OrderBy sorts on Field; FieldID sorts on the document id.
type OrderBy struct {
	Field string
	Desc  bool
}

// Token is an opaque resume point: the sort-key values of the last document
// returned, one per OrderBy clause.
type Token []interface{}

// Query is a single page request.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []OrderBy
	Limit      int
	After      Token
}

// Document is one record as returned by the store.
type Document struct {
	ID   string
	Data map[string]interface{}
}

// Page is one batch of query results.
type Page struct {
	Documents []Document
}

// Increment is a write value that adds to a numeric field instead of
// replacing it.
type Increment int64

// Client is the abstract document store.
type Client interface {
	// Query runs q and returns at most q.Limit documents in q.OrderBy order.
	Query(ctx context.Context, q Query) (*Page, error)
	// GetByIDs loads documents by id. Missing ids are omitted from the result.
	GetByIDs(ctx context.Context, collection string, ids []string) ([]Document, error)
	// Write merges fields into the document, creating it when the collection allows.
	Write(ctx context.Context, collection, id string, fields map[string]interface{}) error
}

// Validate checks q against the limits every store implementation shares.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrQueryRejected)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrQueryRejected)
	}
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	if len(q.After) > 0 && len(q.After) != len(q.OrderBy) {
		return fmt.Errorf("%w: resume token has %d values for %d orderings", ErrQueryRejected, len(q.After), len(q.OrderBy))
	}
	return nil
}

// Validate checks a single filter.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("%w: filter field is required", ErrQueryRejected)
	}
	switch f.Op {
	case OpIn:
		if len(f.Values) == 0 {
			return fmt.Errorf("%w: empty in-list on %s", ErrQueryRejected, f.Field)
		}
		if len(f.Values) > MaxInValues {
			return fmt.Errorf("%w: in-list on %s has %d values, limit is %d", ErrQueryRejected, f.Field, len(f.Values), MaxInValues)
		}
	case OpEqual, OpNotEqual:
		if len(f.Values) != 1 {
			return fmt.Errorf("%w: %s on %s needs exactly one value", ErrQueryRejected, f.Op, f.Field)
		}
	default:
		return fmt.Errorf("%w: unsupported operator %q", ErrQueryRejected, f.Op)
	}
	return nil
}

// ValidateIDs checks a GetByIDs request.
func ValidateIDs(ids []string) error {
	if len(ids) > MaxInValues {
		return fmt.Errorf("%w: %d ids requested, limit is %d", ErrQueryRejected, len(ids), MaxInValues)
	}
	return nil
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
