// Package recordstore is a request-scoped façade over the document
// store. It coalesces point reads within one logical operation, retries
// idempotent creates on transient conflicts, guards key immutability,
// and exposes cursor-paginated and streaming range queries. It never
// owns data and never caches across operations.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/metergate/metergate/pkg/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	createMaxAttempts = 10
	// batchGetChunk mirrors the store's multi-key get limit.
	batchGetChunk = 100
)

// Store provides typed access to one model's table. The gorm handle
// must be opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
type Store[T any] struct {
	db    *gorm.DB
	log   *zap.Logger
	name  string
	idCol string
	keys  map[string]struct{}
	keyOf func(*T) Query

	sleep func(ctx context.Context, d time.Duration)
	randf func() float64
}

// New builds a store for model T. keyColumns lists the primary and
// range key columns, which are immutable once written; keyOf extracts
// the unique lookup for an item, used by Create's conflict probe and by
// CreateOverwrite.
func New[T any](db *gorm.DB, log *zap.Logger, name string, keyColumns []string, keyOf func(*T) Query) *Store[T] {
	keys := make(map[string]struct{}, len(keyColumns))
	for _, k := range keyColumns {
		keys[k] = struct{}{}
	}
	return &Store[T]{
		db:    db,
		log:   log.Named("recordstore." + name),
		name:  name,
		idCol: "id",
		keys:  keys,
		keyOf: keyOf,
		sleep: sleepCtx,
		randf: rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Get returns exactly one record. A miss is a NotFound fault; more than
// one match for a point query is a schema-design fault, not user error.
func (s *Store[T]) Get(ctx context.Context, q Query, opts ...Option) (*T, error) {
	item, err := s.GetOrNull(ctx, q, opts...)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &faults.NotFound{Resource: s.name, Key: queryString(q)}
	}
	return item, nil
}

// GetOrNull returns one record or nil. When a limit is set the read is a
// bounded range read and the first row wins; otherwise two rows are
// fetched so a multi-match can be detected.
func (s *Store[T]) GetOrNull(ctx context.Context, q Query, opts ...Option) (*T, error) {
	o := buildOptions(opts)
	probeLimit := 2
	if o.limit > 0 {
		probeLimit = o.limit
	}
	items, err := s.fetch(ctx, q, o, probeLimit)
	if err != nil {
		return nil, err
	}
	switch {
	case len(items) == 0:
		return nil, nil
	case len(items) > 1 && o.limit == 0:
		return nil, &faults.Internal{Detail: fmt.Sprintf("%s: point query matched %d records: %s", s.name, len(items), queryString(q))}
	default:
		return items[0], nil
	}
}

// Many returns all records matching the query, honoring sort and limit
// options.
func (s *Store[T]) Many(ctx context.Context, q Query, opts ...Option) ([]*T, error) {
	o := buildOptions(opts)
	return s.fetch(ctx, q, o, o.limit)
}

// Count returns the number of matching records.
func (s *Store[T]) Count(ctx context.Context, q Query, opts ...Option) (int64, error) {
	o := buildOptions(opts)
	var n int64
	err := s.apply(ctx, q, o).Model(new(T)).Count(&n).Error
	if err != nil {
		return 0, &faults.Internal{Detail: s.name + ": count", Err: err}
	}
	return n, nil
}

// Exists reports whether at least one record matches.
func (s *Store[T]) Exists(ctx context.Context, q Query, opts ...Option) (bool, error) {
	opts = append(opts, Limit(1))
	items, err := s.Many(ctx, q, opts...)
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// Create inserts a record. A unique-constraint violation is probed via
// Exists to distinguish a genuine duplicate (AlreadyExists) from a
// transient write conflict, which is retried with randomized
// exponential backoff capped at 2^retry seconds.
func (s *Store[T]) Create(ctx context.Context, item *T) (*T, error) {
	for attempt := 0; attempt < createMaxAttempts; attempt++ {
		err := s.db.WithContext(ctx).Create(item).Error
		if err == nil {
			if attempt > 0 {
				s.log.Warn("create succeeded after retries",
					zap.Int("retries", attempt))
			}
			s.invalidate(ctx)
			return item, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &faults.Internal{Detail: s.name + ": create", Err: err}
		}
		exists, probeErr := s.Exists(ctx, s.keyOf(item), Consistent(true))
		if probeErr != nil {
			return nil, probeErr
		}
		if exists {
			return nil, &faults.AlreadyExists{Resource: s.name, Key: queryString(s.keyOf(item))}
		}
		s.sleep(ctx, time.Duration(s.randf()*math.Pow(2, float64(attempt))*float64(time.Second)))
	}
	return nil, &faults.Internal{Detail: fmt.Sprintf("%s: create did not converge after %d attempts", s.name, createMaxAttempts)}
}

// CreateOverwrite looks the item up by its keys; absent, it creates it
// with the given defaults, otherwise it applies patch to the existing
// record. Used for ensure-exists-then-touch semantics such as quota
// counters. An empty patch leaves an existing record untouched.
func (s *Store[T]) CreateOverwrite(ctx context.Context, item *T, patch Query) (*T, error) {
	keys := s.keyOf(item)
	existing, err := s.GetOrNull(ctx, keys)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created, err := s.Create(ctx, item)
		if err == nil {
			return created, nil
		}
		var dup *faults.AlreadyExists
		if !errors.As(err, &dup) {
			return nil, err
		}
		// Lost a create race; fall through to the update path.
	}
	if len(patch) == 0 {
		if existing != nil {
			return existing, nil
		}
		return s.Get(ctx, keys, Consistent(true))
	}
	return s.Update(ctx, keys, patch)
}

// Update applies patch to the record identified by q and returns the
// updated record. Patching a primary or range key is rejected: key
// immutability keeps relational references from dangling or silently
// repointing. Nil values are stripped; use UpdateWithNull to write them.
func (s *Store[T]) Update(ctx context.Context, q Query, patch Query) (*T, error) {
	stripped := make(Query, len(patch))
	for k, v := range patch {
		if v == nil {
			continue
		}
		stripped[k] = v
	}
	return s.applyPatch(ctx, q, stripped)
}

// UpdateWithNull is Update but keeps nil values in the patch, clearing
// the corresponding columns.
func (s *Store[T]) UpdateWithNull(ctx context.Context, q Query, patch Query) (*T, error) {
	return s.applyPatch(ctx, q, patch)
}

func (s *Store[T]) applyPatch(ctx context.Context, q Query, patch Query) (*T, error) {
	for col := range patch {
		if _, isKey := s.keys[col]; isKey {
			return nil, &faults.ImmutableResource{Resource: s.name, Field: col}
		}
	}
	res := s.db.WithContext(ctx).Model(new(T)).Where(map[string]any(q)).Updates(map[string]any(patch))
	if res.Error != nil {
		return nil, &faults.Internal{Detail: s.name + ": update", Err: res.Error}
	}
	s.invalidate(ctx)
	if res.RowsAffected == 0 {
		exists, err := s.Exists(ctx, q, Consistent(true))
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, &faults.NotFound{Resource: s.name, Key: queryString(q)}
		}
	}
	return s.Get(ctx, q, Consistent(true))
}

// DeleteMany removes all matching records and reports how many went.
func (s *Store[T]) DeleteMany(ctx context.Context, q Query) (int64, error) {
	res := s.db.WithContext(ctx).Where(map[string]any(q)).Delete(new(T))
	if res.Error != nil {
		return 0, &faults.Internal{Detail: s.name + ": delete", Err: res.Error}
	}
	s.invalidate(ctx)
	return res.RowsAffected, nil
}

// Page returns one page of results ordered by primary id, plus the
// cursor for the next page ("" when exhausted).
func (s *Store[T]) Page(ctx context.Context, q Query, cursorToken string, pageSize int, opts ...Option) ([]*T, string, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	o := buildOptions(opts)
	cur, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, "", &faults.BadUserInput{Field: "cursor", Message: "malformed page token"}
	}
	stmt := s.apply(ctx, q, o)
	order := s.idCol
	if o.sortOrder == Descending {
		order += " DESC"
		if cur != nil {
			stmt = stmt.Where(s.idCol+" < ?", cur.LastID)
		}
	} else if cur != nil {
		stmt = stmt.Where(s.idCol+" > ?", cur.LastID)
	}
	var items []*T
	if err := stmt.Order(order).Limit(pageSize + 1).Find(&items).Error; err != nil {
		return nil, "", &faults.Internal{Detail: s.name + ": page", Err: err}
	}
	if len(items) <= pageSize {
		return items, "", nil
	}
	items = items[:pageSize]
	last := items[len(items)-1]
	return items, encodeCursor(pageCursor{LastID: s.idOf(last)}), nil
}

// Scan streams all matching records to fn in pages, stopping on the
// first error fn returns.
func (s *Store[T]) Scan(ctx context.Context, q Query, batchSize int, fn func(*T) error, opts ...Option) error {
	cursor := ""
	for {
		items, next, err := s.Page(ctx, q, cursor, batchSize, opts...)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// BatchGet resolves full records for a set of primary ids, querying in
// chunks of at most 100 keys. Missing ids are skipped, matching the
// multi-key get contract of the underlying store.
func (s *Store[T]) BatchGet(ctx context.Context, ids []int64) ([]*T, error) {
	var out []*T
	for start := 0; start < len(ids); start += batchGetChunk {
		end := start + batchGetChunk
		if end > len(ids) {
			end = len(ids)
		}
		var chunk []*T
		err := s.db.WithContext(ctx).Where(s.idCol+" IN ?", ids[start:end]).Find(&chunk).Error
		if err != nil {
			return nil, &faults.Internal{Detail: s.name + ": batch get", Err: err}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (s *Store[T]) fetch(ctx context.Context, q Query, o options, limit int) ([]*T, error) {
	run := func() (any, error) {
		stmt := s.apply(ctx, q, o)
		if o.sortBy != "" {
			order := o.sortBy
			if o.sortOrder == Descending {
				order += " DESC"
			}
			stmt = stmt.Order(order)
		}
		if limit > 0 {
			stmt = stmt.Limit(limit)
		}
		var items []*T
		if err := stmt.Find(&items).Error; err != nil {
			return nil, &faults.Internal{Detail: s.name + ": query", Err: err}
		}
		return items, nil
	}

	sess := sessionFrom(ctx)
	if sess == nil || o.consistent {
		v, err := run()
		if err != nil {
			return nil, err
		}
		return v.([]*T), nil
	}
	v, err := sess.do(s.cacheKey(q, o, limit), run)
	if err != nil {
		return nil, err
	}
	return v.([]*T), nil
}

func (s *Store[T]) apply(ctx context.Context, q Query, o options) *gorm.DB {
	stmt := s.db.WithContext(ctx).Where(map[string]any(q))
	for _, c := range o.conds {
		stmt = stmt.Where(c.expr, c.args...)
	}
	return stmt
}

func (s *Store[T]) invalidate(ctx context.Context) {
	if sess := sessionFrom(ctx); sess != nil {
		sess.invalidate(s.name)
	}
}

func (s *Store[T]) cacheKey(q Query, o options, limit int) string {
	return fmt.Sprintf("%s|%s|%s%s|%d|%s", s.name, queryString(q), o.sortBy, o.sortOrder, limit, condString(o.conds))
}

func (s *Store[T]) idOf(item *T) int64 {
	type ider interface{ PrimaryID() int64 }
	if v, ok := any(item).(ider); ok {
		return v.PrimaryID()
	}
	return 0
}

func queryString(q Query) string {
	b, err := json.Marshal(map[string]any(q))
	if err != nil {
		return fmt.Sprint(map[string]any(q))
	}
	return string(b)
}

func condString(conds []cond) string {
	if len(conds) == 0 {
		return ""
	}
	return fmt.Sprintf("%+v", conds)
}
