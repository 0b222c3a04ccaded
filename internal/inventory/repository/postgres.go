package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inventory-tracker/internal/inventory"

	"github.com/lib/pq"
)

const (
	healthCheckTimeout = 2 * time.Second

	uniqueViolation = "23505"

	itemColumns = `product_id, product_name, quantity, version, removed, last_updated`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (inventory.Item, error) {
	var item inventory.Item
	err := row.Scan(
		&item.ProductID,
		&item.ProductName,
		&item.Quantity,
		&item.Version,
		&item.Removed,
		&item.LastUpdated,
	)
	if err != nil {
		return inventory.Item{}, err
	}
	item.LastUpdated = item.LastUpdated.UTC()
	return item, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ApplyUpdate commits m against the row for productID in a single-row
// transaction. The stored version must equal expectedVersion.
func (r *PostgresRepository) ApplyUpdate(ctx context.Context, productID string, expectedVersion int64, m inventory.Mutation) (inventory.Item, error) {
	if m.Kind == inventory.MutationCreate {
		return r.create(ctx, productID, m)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return inventory.Item{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE product_id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Item{}, inventory.ErrNotFound
	}
	if err != nil {
		return inventory.Item{}, fmt.Errorf("select item %q: %w", productID, err)
	}
	if current.Removed {
		return inventory.Item{}, inventory.ErrNotFound
	}
	if current.Version != expectedVersion {
		return inventory.Item{}, fmt.Errorf("item %q at version %d, expected %d: %w",
			productID, current.Version, expectedVersion, inventory.ErrConflict)
	}

	next, _, err := m.Apply(current, productID, time.Now().UTC())
	if err != nil {
		return inventory.Item{}, err
	}

	query := `
		UPDATE inventory_items
		SET quantity = $1, removed = $2, last_updated = $3, version = version + 1
		WHERE product_id = $4 AND version = $5
		RETURNING ` + itemColumns

	updated, err := scanItem(tx.QueryRowContext(ctx, query,
		next.Quantity, next.Removed, next.LastUpdated, productID, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Item{}, fmt.Errorf("item %q changed concurrently: %w", productID, inventory.ErrConflict)
	}
	if err != nil {
		return inventory.Item{}, fmt.Errorf("update item %q: %w", productID, err)
	}

	if err := tx.Commit(); err != nil {
		return inventory.Item{}, fmt.Errorf("commit item %q: %w", productID, err)
	}
	return updated, nil
}

func (r *PostgresRepository) create(ctx context.Context, productID string, m inventory.Mutation) (inventory.Item, error) {
	next, _, err := m.Apply(inventory.Item{}, productID, time.Now().UTC())
	if err != nil {
		return inventory.Item{}, err
	}

	query := `
		INSERT INTO inventory_items (product_id, product_name, quantity, version, last_updated)
		VALUES ($1, $2, $3, 1, $4)
		RETURNING ` + itemColumns

	item, err := scanItem(r.db.QueryRowContext(ctx, query,
		next.ProductID, next.ProductName, next.Quantity, next.LastUpdated))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return inventory.Item{}, inventory.ErrAlreadyExists
		}
		return inventory.Item{}, fmt.Errorf("insert item %q: %w", productID, err)
	}
	return item, nil
}

func (r *PostgresRepository) Get(ctx context.Context, productID string) (inventory.Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inventory_items WHERE product_id = $1`, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Item{}, inventory.ErrNotFound
	}
	if err != nil {
		return inventory.Item{}, fmt.Errorf("get item %q: %w", productID, err)
	}
	return item, nil
}

func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]inventory.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM inventory_items
		WHERE NOT removed
		ORDER BY product_id
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	list := make([]inventory.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		list = append(list, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}

	return list, nil
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_items WHERE NOT removed`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return total, nil
}

func (r *PostgresRepository) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}
