// Package firestore implements store.Client on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

// Store is a store.Client backed by Firestore collections of the same name.
type Store struct {
	client *firestore.Client
	logger *zap.Logger
}

// New connects to the configured Firestore project.
func New(ctx context.Context, cfg *config.StoreConfig) (*Store, error) {
	logger := logging.WithComponent("firestore")

	var opts []option.ClientOption
	if cfg.FirestoreCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FirestoreCredentials))
	} else {
		logger.Warn("No Firestore credentials file provided, using application default credentials")
	}

	client, err := firestore.NewClient(ctx, cfg.FirestoreProject, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	logger.Info("Firestore client initialized", zap.String("project", cfg.FirestoreProject))
	return &Store{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health reads one post to prove the project is reachable.
func (s *Store) Health(ctx context.Context) error {
	_, err := s.Query(ctx, store.Query{Collection: store.CollectionPosts, Limit: 1})
	return err
}

// Query implements store.Client.
func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.query")
	defer span.End()

	if err := q.Validate(); err != nil {
		return nil, err
	}

	coll := s.client.Collection(q.Collection)
	query := coll.Query
	for _, f := range q.Filters {
		path, value := filterArgs(coll, f)
		query = query.Where(path, string(f.Op), value)
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		query = query.OrderBy(fieldPath(o.Field), dir)
	}
	if len(q.After) > 0 {
		query = query.StartAfter(q.After...)
	}
	query = query.Limit(q.Limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, s.classify("query", q.Collection, err)
	}

	docs := make([]store.Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, store.Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return &store.Page{Documents: docs}, nil
}

// GetByIDs implements store.Client. Documents that do not exist are skipped.
func (s *Store) GetByIDs(ctx context.Context, collection string, ids []string) ([]store.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.get_by_ids")
	defer span.End()

	if err := store.ValidateIDs(ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	coll := s.client.Collection(collection)
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = coll.Doc(id)
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, s.classify("get", collection, err)
	}

	docs := make([]store.Document, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		docs = append(docs, store.Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs, nil
}

// Write implements store.Client as a merge into the document.
func (s *Store) Write(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "store.write")
	defer span.End()

	if id == "" {
		return fmt.Errorf("%w: document id is required", store.ErrQueryRejected)
	}

	data := writeData(fields)
	if len(data) == 0 {
		return nil
	}
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, data, firestore.MergeAll); err != nil {
		return s.classify("write", collection, err)
	}
	return nil
}

func fieldPath(field string) string {
	if field == store.FieldID {
		return firestore.DocumentID
	}
	return field
}

// filterArgs returns the path and value for a Where clause. Filters on the
// document id compare against document references.
func filterArgs(coll *firestore.CollectionRef, f store.Filter) (string, interface{}) {
	if f.Field != store.FieldID {
		if f.Op == store.OpIn {
			return f.Field, f.Values
		}
		return f.Field, f.Values[0]
	}

	toRef := func(v interface{}) interface{} {
		if id, ok := v.(string); ok {
			return coll.Doc(id)
		}
		return v
	}
	if f.Op == store.OpIn {
		refs := make([]interface{}, len(f.Values))
		for i, v := range f.Values {
			refs[i] = toRef(v)
		}
		return firestore.DocumentID, refs
	}
	return firestore.DocumentID, toRef(f.Values[0])
}

// writeData translates store write values into Firestore values.
func writeData(fields map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == store.FieldID {
			continue
		}
		if inc, ok := v.(store.Increment); ok {
			data[k] = firestore.Increment(int64(inc))
			continue
		}
		data[k] = v
	}
	return data
}

// classify maps gRPC status codes onto the store error taxonomy.
func (s *Store) classify(op, collection string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.PermissionDenied:
		return fmt.Errorf("%w: %s %s: %v", store.ErrQueryRejected, op, collection, err)
	case codes.Aborted, codes.AlreadyExists, codes.NotFound:
		return fmt.Errorf("%w: %s %s: %v", store.ErrWriteConflict, op, collection, err)
	case codes.Canceled:
		return context.Canceled
	}

	if s.logger != nil {
		s.logger.Warn("Firestore operation failed",
			zap.String("op", op),
			zap.String("collection", collection),
			zap.Error(err))
	}
	return fmt.Errorf("%w: %s %s: %v", store.ErrStoreUnavailable, op, collection, err)
}
