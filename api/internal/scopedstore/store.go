// Package scopedstore is the single enforcement point for tenant isolation.
// Every storage operation on a tenant-owned entity passes through this
// store, which injects the tenant predicate from request-scoped context.
// Business code never writes tenant conditions by hand.
package scopedstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dinehub-restaurant-platform/api/internal/repos"
	"dinehub-restaurant-platform/shared/authx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/metricsx"
	"dinehub-restaurant-platform/shared/tenantx"
)

// ErrNotFound covers both genuinely missing rows and rows owned by another
// tenant; callers must not be able to tell the two apart.
var ErrNotFound = errors.New("not found")

// TxBeginner is the optional transactional side of the store's connection,
// satisfied by *pgxpool.Pool. When present, Upsert runs its statements
// inside one transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db       repos.DBTX
	registry *Registry
	logger   logx.Logger
}

func New(db repos.DBTX, registry *Registry, logger logx.Logger) *Store {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Store{db: db, registry: registry, logger: logger}
}

type FindOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// scope resolves the tenant predicate for one call. The tenant is re-read
// from the context every time; nothing is cached on the store. A missing
// tenant on a tenant-owned entity is the administrative bypass path and is
// always audited.
func (s *Store) scope(ctx context.Context, entity Entity, operation string) Filter {
	if !entity.TenantOwned {
		return nil
	}
	tenant, ok := tenantx.FromContext(ctx)
	if !ok || tenant.TenantID == uuid.Nil {
		s.auditBypass(ctx, entity, operation)
		return nil
	}
	return Filter{entity.TenantColumn: tenant.TenantID}
}

func (s *Store) auditBypass(ctx context.Context, entity Entity, operation string) {
	metricsx.IncTenantScopeBypass(entity.Name, operation)
	subject := "system"
	if auth, ok := authx.FromContext(ctx); ok && auth.Subject != "" {
		subject = auth.Subject
	}
	s.logger.Warn(ctx, "tenant_scope_bypass", "tenant-owned entity accessed without tenant context",
		slog.String("entity", entity.Name),
		slog.String("operation", operation),
		slog.String("subject", subject),
	)
}

// Find returns all rows matching the caller filter AND the tenant predicate.
// The caller filter is preserved unmodified otherwise.
func (s *Store) Find(ctx context.Context, entityName string, filter Filter, opts FindOptions) ([]Document, error) {
	return s.find(ctx, s.db, entityName, filter, opts)
}

func (s *Store) find(ctx context.Context, db repos.DBTX, entityName string, filter Filter, opts FindOptions) ([]Document, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return nil, err
	}
	scoped := merge(filter, s.scope(ctx, entity, "find"))

	where, args, err := whereClause(scoped, 1)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + entity.Table + where
	if opts.OrderBy != "" {
		if err := validIdent(opts.OrderBy); err != nil {
			return nil, err
		}
		query += " ORDER BY " + opts.OrderBy
		if opts.Desc {
			query += " DESC"
		}
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rowsToDocuments(rows)
}

func (s *Store) Count(ctx context.Context, entityName string, filter Filter) (int64, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return 0, err
	}
	scoped := merge(filter, s.scope(ctx, entity, "count"))

	where, args, err := whereClause(scoped, 1)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.QueryRow(ctx, "SELECT count(*) FROM "+entity.Table+where, args...).Scan(&count)
	return count, err
}

// GetByKey is a point lookup by a caller-chosen unique column. The lookup
// itself runs unscoped because the key may not embed the tenant; ownership
// is checked on the returned row instead, and a mismatch is reported as
// ErrNotFound so another tenant's rows are indistinguishable from absent
// ones.
func (s *Store) GetByKey(ctx context.Context, entityName string, column string, value any) (Document, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return nil, err
	}
	if err := validIdent(column); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, "SELECT * FROM "+entity.Table+" WHERE "+column+" = $1 LIMIT 1", value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs, err := rowsToDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	doc := docs[0]

	if entity.TenantOwned {
		tenant, ok := tenantx.FromContext(ctx)
		if !ok || tenant.TenantID == uuid.Nil {
			s.auditBypass(ctx, entity, "get_by_key")
			return doc, nil
		}
		if !tenantValueEqual(doc[entity.TenantColumn], tenant.TenantID) {
			return nil, ErrNotFound
		}
	}
	return doc, nil
}

// Insert force-writes the tenant column from context, overriding any value
// the caller supplied. Tenant identity is a trust-boundary value and never
// comes from request payloads.
func (s *Store) Insert(ctx context.Context, entityName string, doc Document) (Document, error) {
	return s.insert(ctx, s.db, entityName, doc)
}

func (s *Store) insert(ctx context.Context, db repos.DBTX, entityName string, doc Document) (Document, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return nil, err
	}
	toInsert := merge(doc, s.scope(ctx, entity, "insert"))

	clause, args, err := insertClause(toInsert)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, "INSERT INTO "+entity.Table+clause+" RETURNING *", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs, err := rowsToDocuments(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return toInsert, nil
	}
	return docs[0], nil
}

// Update merges the tenant predicate into the filter so only rows the
// resolved tenant owns can be touched. The returned count is rows affected;
// zero means "nothing matched", whether the target never existed or belongs
// to another tenant.
func (s *Store) Update(ctx context.Context, entityName string, filter Filter, set Document) (int64, error) {
	return s.update(ctx, s.db, entityName, filter, set)
}

func (s *Store) update(ctx context.Context, db repos.DBTX, entityName string, filter Filter, set Document) (int64, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return 0, err
	}
	scope := s.scope(ctx, entity, "update")
	if entity.TenantOwned {
		// The tenant column is never updatable through this path.
		set = merge(set, nil)
		delete(set, entity.TenantColumn)
	}
	scoped := merge(filter, scope)

	assigns, setArgs, err := setClause(set, 1)
	if err != nil {
		return 0, err
	}
	where, whereArgs, err := whereClause(scoped, len(setArgs)+1)
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, "UPDATE "+entity.Table+assigns+where, append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Delete(ctx context.Context, entityName string, filter Filter) (int64, error) {
	entity, err := s.registry.Get(entityName)
	if err != nil {
		return 0, err
	}
	scoped := merge(filter, s.scope(ctx, entity, "delete"))

	where, args, err := whereClause(scoped, 1)
	if err != nil {
		return 0, err
	}
	if where == "" {
		return 0, fmt.Errorf("refusing unfiltered delete on %s", entity.Name)
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM "+entity.Table+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Upsert merges the tenant predicate into both the lookup filter and, when
// the row does not exist yet, the creation payload. When the connection can
// open transactions the update and the insert run in one, so two concurrent
// upserts on the same key cannot both take the insert branch.
func (s *Store) Upsert(ctx context.Context, entityName string, filter Filter, doc Document) (Document, error) {
	beginner, ok := s.db.(TxBeginner)
	if !ok {
		return s.upsert(ctx, s.db, entityName, filter, doc)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	result, err := s.upsert(ctx, tx, entityName, filter, doc)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) upsert(ctx context.Context, db repos.DBTX, entityName string, filter Filter, doc Document) (Document, error) {
	affected, err := s.update(ctx, db, entityName, filter, doc)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		docs, ferr := s.find(ctx, db, entityName, filter, FindOptions{Limit: 1})
		if ferr != nil {
			return nil, ferr
		}
		if len(docs) > 0 {
			return docs[0], nil
		}
		return nil, ErrNotFound
	}
	return s.insert(ctx, db, entityName, merge(filter, doc))
}

func rowsToDocuments(rows pgx.Rows) ([]Document, error) {
	fields := rows.FieldDescriptions()
	var docs []Document
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		doc := make(Document, len(fields))
		for i, field := range fields {
			doc[string(field.Name)] = values[i]
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// tenantValueEqual compares a row's tenant column against the resolved
// tenant, tolerating the value shapes pgx produces for uuid columns.
func tenantValueEqual(rowValue any, tenantID uuid.UUID) bool {
	switch v := rowValue.(type) {
	case uuid.UUID:
		return v == tenantID
	case [16]byte:
		return uuid.UUID(v) == tenantID
	case string:
		parsed, err := uuid.Parse(strings.TrimSpace(v))
		return err == nil && parsed == tenantID
	case nil:
		return false
	default:
		parsed, err := uuid.Parse(strings.TrimSpace(fmt.Sprint(v)))
		return err == nil && parsed == tenantID
	}
}
