package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/steemit/reelfeed/internal/models"
	"github.com/steemit/reelfeed/internal/store"
	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

type documenter interface {
	Document() store.Document
}

func findAs[T documenter](tx *gorm.DB) ([]store.Document, error) {
	var rows []T
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	docs := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.Document())
	}
	return docs, nil
}

// collection maps a store collection onto a feed table
type collection struct {
	table   string
	model   interface{}
	columns map[string]string // document field -> column
	upsert  bool
	find    func(tx *gorm.DB) ([]store.Document, error)
}

var collections = map[string]collection{
	store.CollectionPosts: {
		table: models.Post{}.TableName(),
		model: &models.Post{},
		columns: map[string]string{
			store.FieldID:   "id",
			"owner_id":      "owner_id",
			"owner_private": "owner_private",
			"timestamp":     "created_at",
			"geohash4":      "geohash4",
			"geohash5":      "geohash5",
			"geohash6":      "geohash6",
			"media_kind":    "media_kind",
			"caption":       "caption",
			"likes":         "likes",
			"comments":      "comments",
			"shares":        "shares",
			"bookmarks":     "bookmarks",
			"reposts":       "reposts",
		},
		find: findAs[models.Post],
	},
	store.CollectionInteractions: {
		table: models.Interaction{}.TableName(),
		model: &models.Interaction{},
		columns: map[string]string{
			store.FieldID: "id",
			"viewer_id":   "viewer_id",
			"post_id":     "post_id",
			"liked":       "liked",
			"bookmarked":  "bookmarked",
			"reposted":    "reposted",
			"updated_at":  "updated_at",
		},
		upsert: true,
		find:   findAs[models.Interaction],
	},
	store.CollectionFeedRefs: {
		table: models.FeedRef{}.TableName(),
		model: &models.FeedRef{},
		columns: map[string]string{
			store.FieldID: "id",
			"viewer_id":   "viewer_id",
			"post_id":     "post_id",
			"timestamp":   "created_at",
		},
		upsert: true,
		find:   findAs[models.FeedRef],
	},
	store.CollectionFollows: {
		table: models.Follow{}.TableName(),
		model: &models.Follow{},
		columns: map[string]string{
			store.FieldID: "id",
			"follower_id": "follower_id",
			"followee_id": "followee_id",
			"timestamp":   "created_at",
		},
		upsert: true,
		find:   findAs[models.Follow],
	},
}

// DocumentStore implements store.Client over the feed tables
type DocumentStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDocumentStore creates a document store on top of a database connection
func NewDocumentStore(database *DB) *DocumentStore {
	return &DocumentStore{
		db:     database.DB,
		logger: logging.WithComponent("document-store"),
	}
}

func lookup(name string) (collection, error) {
	c, ok := collections[name]
	if !ok {
		return collection{}, fmt.Errorf("%w: unknown collection %q", store.ErrQueryRejected, name)
	}
	return c, nil
}

func (c collection) column(field string) (string, error) {
	col, ok := c.columns[field]
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q on %s", store.ErrQueryRejected, field, c.table)
	}
	return col, nil
}

// Query implements store.Client
func (s *DocumentStore) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.query")
	defer span.End()

	if err := q.Validate(); err != nil {
		return nil, err
	}
	c, err := lookup(q.Collection)
	if err != nil {
		return nil, err
	}

	tx, err := c.build(s.db.WithContext(ctx), q)
	if err != nil {
		return nil, err
	}

	docs, err := c.find(tx)
	if err != nil {
		return nil, s.classify("query", q.Collection, err)
	}
	return &store.Page{Documents: docs}, nil
}

// build applies filters, ordering, the resume token and the limit
func (c collection) build(tx *gorm.DB, q store.Query) (*gorm.DB, error) {
	for _, f := range q.Filters {
		col, err := c.column(f.Field)
		if err != nil {
			return nil, err
		}
		switch f.Op {
		case store.OpIn:
			tx = tx.Where(col+" IN ?", f.Values)
		case store.OpEqual:
			tx = tx.Where(col+" = ?", f.Values[0])
		case store.OpNotEqual:
			tx = tx.Where(col+" <> ?", f.Values[0])
		}
	}

	cols := make([]string, 0, len(q.OrderBy))
	for i, o := range q.OrderBy {
		col, err := c.column(o.Field)
		if err != nil {
			return nil, err
		}
		if i > 0 && o.Desc != q.OrderBy[0].Desc {
			return nil, fmt.Errorf("%w: mixed sort directions are not supported", store.ErrQueryRejected)
		}
		cols = append(cols, col)
		if o.Desc {
			tx = tx.Order(col + " DESC")
		} else {
			tx = tx.Order(col + " ASC")
		}
	}

	if len(q.After) > 0 {
		cmp := ">"
		if q.OrderBy[0].Desc {
			cmp = "<"
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		tx = tx.Where(fmt.Sprintf("(%s) %s (%s)", strings.Join(cols, ", "), cmp, placeholders), q.After...)
	}

	return tx.Limit(q.Limit), nil
}

// GetByIDs implements store.Client
func (s *DocumentStore) GetByIDs(ctx context.Context, name string, ids []string) ([]store.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "store.get_by_ids")
	defer span.End()

	if err := store.ValidateIDs(ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	c, err := lookup(name)
	if err != nil {
		return nil, err
	}

	docs, err := c.find(s.db.WithContext(ctx).Where("id IN ?", ids))
	if err != nil {
		return nil, s.classify("get", name, err)
	}
	return docs, nil
}

// Write implements store.Client. Posts are update-only; the other
// collections are upserted on id.
func (s *DocumentStore) Write(ctx context.Context, name, id string, fields map[string]interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "store.write")
	defer span.End()

	c, err := lookup(name)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: document id is required", store.ErrQueryRejected)
	}

	values := make(map[string]interface{}, len(fields)+1)
	updates := make(map[string]interface{}, len(fields))
	for field, v := range fields {
		if field == store.FieldID {
			continue
		}
		col, err := c.column(field)
		if err != nil {
			return err
		}
		if inc, ok := v.(store.Increment); ok {
			values[col] = int64(inc)
			updates[col] = gorm.Expr(fmt.Sprintf("%s.%s + ?", c.table, col), int64(inc))
			continue
		}
		values[col] = v
		updates[col] = v
	}
	if len(updates) == 0 {
		return nil
	}

	tx := s.db.WithContext(ctx).Model(c.model)
	if !c.upsert {
		res := tx.Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return s.classify("write", name, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s/%s does not exist", store.ErrWriteConflict, name, id)
		}
		return nil
	}

	values["id"] = id
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(values).Error
	if err != nil {
		return s.classify("write", name, err)
	}
	return nil
}

// classify maps driver errors onto the store error taxonomy
func (s *DocumentStore) classify(op, name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %v", store.ErrStoreUnavailable, op, name, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s %s: %v", store.ErrWriteConflict, op, name, err)
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %s %s: %v", store.ErrQueryRejected, op, name, err)
		}
	}

	s.logger.Warn("Store operation failed",
		zap.String("op", op),
		zap.String("collection", name),
		zap.Error(err))
	return fmt.Errorf("%w: %s %s: %v", store.ErrStoreUnavailable, op, name, err)
}
