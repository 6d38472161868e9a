package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/evmbranch/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same
// repository code serves plain and transactional access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps a connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

func (s *PostgresStore) Versions() VersionRepository         { return &pgVersions{q: s.q} }
func (s *PostgresStore) Branches() BranchRepository          { return &pgBranches{q: s.q} }
func (s *PostgresStore) ChangeOrders() ChangeOrderRepository { return &pgChangeOrders{q: s.q} }

// InTx runs fn against a store view bound to a single transaction. Nested
// calls reuse the enclosing transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// Already transactional.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// versionTables maps each branchable kind onto its append-only table.
var versionTables = map[domain.Kind]string{
	domain.KindWBE:         "wbe_versions",
	domain.KindCostElement: "cost_element_versions",
}

func tableFor(kind domain.Kind) (string, error) {
	table, ok := versionTables[kind]
	if !ok {
		return "", fmt.Errorf("no version table for kind %q", kind)
	}
	return table, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type pgVersions struct {
	q querier
}

func (r *pgVersions) Insert(ctx context.Context, v domain.VersionedEntity) error {
	table, err := tableFor(v.Kind)
	if err != nil {
		return err
	}

	payloadJSON, err := v.PayloadJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (entity_id, branch, version, status, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, table)
	if _, err := r.q.Exec(ctx, query, v.EntityID, v.Branch, v.Version, string(v.Status), payloadJSON, v.RecordedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("failed to insert %s version: %w", v.Kind, err)
	}
	return nil
}

func (r *pgVersions) Current(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch string) (domain.VersionedEntity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return domain.VersionedEntity{}, err
	}

	query := fmt.Sprintf(`
		SELECT entity_id, branch, version, status, payload, recorded_at
		FROM %s
		WHERE entity_id = $1 AND branch = $2
		ORDER BY version DESC
		LIMIT 1`, table)
	row := r.q.QueryRow(ctx, query, entityID, branch)

	version, err := scanVersion(row, kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VersionedEntity{}, domain.ErrEntityNotFound
		}
		return domain.VersionedEntity{}, fmt.Errorf("failed to get current %s version: %w", kind, err)
	}
	return version, nil
}

func (r *pgVersions) History(ctx context.Context, kind domain.Kind, entityID uuid.UUID, branch *string) ([]domain.VersionedEntity, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT entity_id, branch, version, status, payload, recorded_at
		FROM %s
		WHERE entity_id = $1`, table)
	args := []any{entityID}
	if branch != nil {
		query += " AND branch = $2"
		args = append(args, *branch)
	}
	query += " ORDER BY version ASC, branch ASC"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s history: %w", kind, err)
	}
	defer rows.Close()

	var out []domain.VersionedEntity
	for rows.Next() {
		version, err := scanVersion(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s history row: %w", kind, err)
		}
		out = append(out, version)
	}
	return out, rows.Err()
}

func (r *pgVersions) EntitiesOnBranch(ctx context.Context, branch string) ([]domain.EntityRef, error) {
	var refs []domain.EntityRef
	for _, kind := range domain.Kinds() {
		table, err := tableFor(kind)
		if err != nil {
			return nil, err
		}

		query := fmt.Sprintf(`
			SELECT DISTINCT entity_id
			FROM %s
			WHERE branch = $1
			ORDER BY entity_id`, table)
		rows, err := r.q.Query(ctx, query, branch)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s entities on branch: %w", kind, err)
		}

		for rows.Next() {
			var entityID uuid.UUID
			if err := rows.Scan(&entityID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan entity id: %w", err)
			}
			refs = append(refs, domain.EntityRef{Kind: kind, EntityID: entityID})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return refs, nil
}

func (r *pgVersions) CopyBranch(ctx context.Context, source, dest string, recordedAt time.Time) (int, error) {
	copied := 0
	for _, kind := range domain.Kinds() {
		table, err := tableFor(kind)
		if err != nil {
			return 0, err
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (entity_id, branch, version, status, payload, recorded_at)
			SELECT entity_id, $2, version, status, payload, $3
			FROM %s
			WHERE branch = $1`, table, table)
		tag, err := r.q.Exec(ctx, query, source, dest, recordedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, domain.ErrVersionConflict
			}
			return 0, fmt.Errorf("failed to copy %s branch rows: %w", kind, err)
		}
		copied += int(tag.RowsAffected())
	}
	return copied, nil
}

func (r *pgVersions) RetireBranch(ctx context.Context, branch string, status domain.Status, refs []domain.EntityRef) (int, error) {
	idsByKind := make(map[domain.Kind][]uuid.UUID)
	for _, ref := range refs {
		idsByKind[ref.Kind] = append(idsByKind[ref.Kind], ref.EntityID)
	}

	touched := 0
	for _, kind := range domain.Kinds() {
		table, err := tableFor(kind)
		if err != nil {
			return 0, err
		}

		var (
			tag pgconn.CommandTag
		)
		if refs == nil {
			query := fmt.Sprintf("UPDATE %s SET status = $2 WHERE branch = $1", table)
			tag, err = r.q.Exec(ctx, query, branch, string(status))
		} else {
			ids := idsByKind[kind]
			if len(ids) == 0 {
				continue
			}
			query := fmt.Sprintf("UPDATE %s SET status = $2 WHERE branch = $1 AND entity_id = ANY($3)", table)
			tag, err = r.q.Exec(ctx, query, branch, string(status), ids)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to retire %s branch rows: %w", kind, err)
		}
		touched += int(tag.RowsAffected())
	}
	return touched, nil
}

func scanVersion(row pgx.Row, kind domain.Kind) (domain.VersionedEntity, error) {
	var (
		v           domain.VersionedEntity
		status      string
		payloadJSON []byte
	)
	if err := row.Scan(&v.EntityID, &v.Branch, &v.Version, &status, &payloadJSON, &v.RecordedAt); err != nil {
		return domain.VersionedEntity{}, err
	}

	payload, err := domain.PayloadFromJSON(payloadJSON)
	if err != nil {
		return domain.VersionedEntity{}, fmt.Errorf("failed to decode payload: %w", err)
	}

	v.Kind = kind
	v.Status = domain.Status(status)
	v.Payload = payload
	return v, nil
}

type pgBranches struct {
	q querier
}

func (r *pgBranches) Insert(ctx context.Context, branch domain.Branch) error {
	changeOrderID := pgtype.UUID{Bytes: branch.ChangeOrderID, Valid: branch.ChangeOrderID != uuid.Nil}
	query := `
		INSERT INTO branches (name, base_branch, status, change_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.q.Exec(ctx, query, branch.Name, branch.BaseBranch, string(branch.Status), changeOrderID, branch.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrBranchExists
		}
		return fmt.Errorf("failed to insert branch: %w", err)
	}
	return nil
}

func (r *pgBranches) Get(ctx context.Context, name string) (domain.Branch, error) {
	query := `
		SELECT name, base_branch, status, change_order_id, created_at
		FROM branches
		WHERE name = $1`
	branch, err := scanBranch(r.q.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.ErrBranchNotFound
		}
		return domain.Branch{}, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

func (r *pgBranches) List(ctx context.Context) ([]domain.Branch, error) {
	query := `
		SELECT name, base_branch, status, change_order_id, created_at
		FROM branches
		ORDER BY created_at, name`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var out []domain.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		out = append(out, branch)
	}
	return out, rows.Err()
}

func (r *pgBranches) UpdateStatus(ctx context.Context, name string, status domain.BranchStatus) (domain.Branch, error) {
	query := `
		UPDATE branches
		SET status = $2
		WHERE name = $1
		RETURNING name, base_branch, status, change_order_id, created_at`
	branch, err := scanBranch(r.q.QueryRow(ctx, query, name, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Branch{}, domain.ErrBranchNotFound
		}
		return domain.Branch{}, fmt.Errorf("failed to update branch status: %w", err)
	}
	return branch, nil
}

func scanBranch(row pgx.Row) (domain.Branch, error) {
	var (
		branch        domain.Branch
		status        string
		changeOrderID pgtype.UUID
	)
	if err := row.Scan(&branch.Name, &branch.BaseBranch, &status, &changeOrderID, &branch.CreatedAt); err != nil {
		return domain.Branch{}, err
	}
	branch.Status = domain.BranchStatus(status)
	if changeOrderID.Valid {
		branch.ChangeOrderID = changeOrderID.Bytes
	}
	return branch, nil
}

type pgChangeOrders struct {
	q querier
}

func (r *pgChangeOrders) Insert(ctx context.Context, order domain.ChangeOrder) error {
	query := `
		INSERT INTO change_orders (id, title, description, branch_name, status, impact_preview, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	preview := previewParam(order.ImpactPreview)
	if _, err := r.q.Exec(ctx, query, order.ID, order.Title, order.Description, order.BranchName, string(order.Status), preview, order.CreatedAt, order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert change order: %w", err)
	}
	return nil
}

func (r *pgChangeOrders) Get(ctx context.Context, id uuid.UUID) (domain.ChangeOrder, error) {
	query := `
		SELECT id, title, description, branch_name, status, impact_preview, created_at, updated_at
		FROM change_orders
		WHERE id = $1`
	order, err := scanChangeOrder(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.ErrChangeOrderNotFound
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to get change order: %w", err)
	}
	return order, nil
}

func (r *pgChangeOrders) List(ctx context.Context) ([]domain.ChangeOrder, error) {
	query := `
		SELECT id, title, description, branch_name, status, impact_preview, created_at, updated_at
		FROM change_orders
		ORDER BY created_at, id`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list change orders: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeOrder
	for rows.Next() {
		order, err := scanChangeOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (r *pgChangeOrders) Update(ctx context.Context, order domain.ChangeOrder) (domain.ChangeOrder, error) {
	query := `
		UPDATE change_orders
		SET title = $2, description = $3, branch_name = $4, status = $5, impact_preview = $6, updated_at = $7
		WHERE id = $1
		RETURNING id, title, description, branch_name, status, impact_preview, created_at, updated_at`
	preview := previewParam(order.ImpactPreview)
	updated, err := scanChangeOrder(r.q.QueryRow(ctx, query, order.ID, order.Title, order.Description, order.BranchName, string(order.Status), preview, order.UpdatedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChangeOrder{}, domain.ErrChangeOrderNotFound
		}
		return domain.ChangeOrder{}, fmt.Errorf("failed to update change order: %w", err)
	}
	return updated, nil
}

func previewParam(preview json.RawMessage) any {
	if len(preview) == 0 {
		return nil
	}
	return []byte(preview)
}

func scanChangeOrder(row pgx.Row) (domain.ChangeOrder, error) {
	var (
		order       domain.ChangeOrder
		status      string
		previewJSON []byte
	)
	if err := row.Scan(&order.ID, &order.Title, &order.Description, &order.BranchName, &status, &previewJSON, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.ChangeOrder{}, err
	}
	order.Status = domain.ChangeOrderStatus(status)
	if len(previewJSON) > 0 {
		order.ImpactPreview = json.RawMessage(previewJSON)
	}
	return order, nil
}
