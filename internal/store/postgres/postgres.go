package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"localventas/backend/internal/domain"
	"localventas/backend/internal/store"
	"localventas/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const saleLinesPrimaryKey = "sale_lines_pkey"

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case "23505":
			// A concurrent sale with the same transaction id committed first.
			if pgErr.ConstraintName == saleLinesPrimaryKey {
				return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
			}
			return fmt.Errorf("%w: %s", store.ErrInvalid, pgErr.Message)
		case "23514", "23503":
			return fmt.Errorf("%w: %s", store.ErrInvalid, pgErr.Message)
		}
	}
	return err
}

// RunInTransaction runs fn in a serializable transaction. Serialization
// failures surface as store.ErrConflict.
func (s *Store) RunInTransaction(ctx context.Context, storeID string, fn func(ctx context.Context, tx store.SaleTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, &saleTx{tx: pgTx, storeID: storeID}); err != nil {
		return mapError(err)
	}
	return mapError(pgTx.Commit())
}

type saleTx struct {
	tx      *sql.Tx
	storeID string
}

const inventoryColumns = `store_id, product_id, name, unit_price, stock_quantity, description, active,
	migrated_from_global_catalog, source_product_id, migrated_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventoryItem(row rowScanner) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	var migratedAt sql.NullTime
	err := row.Scan(&item.StoreID, &item.ProductID, &item.Name, &item.UnitPrice, &item.StockQuantity, &item.Description,
		&item.Active, &item.MigratedFromGlobalCatalog, &item.SourceProductID, &migratedAt, &item.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if migratedAt.Valid {
		at := migratedAt.Time.UTC()
		item.MigratedAt = &at
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func (t *saleTx) GetInventoryItem(ctx context.Context, productID string) (*domain.InventoryItem, error) {
	return scanInventoryItem(t.tx.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_items
		WHERE store_id = $1 AND product_id = $2
		FOR UPDATE
	`, t.storeID, productID))
}

func (t *saleTx) SetStockQuantity(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalid
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET stock_quantity = $3, updated_at = now()
		WHERE store_id = $1 AND product_id = $2
	`, t.storeID, productID, qty)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *saleTx) InsertSaleLine(ctx context.Context, line domain.SaleLine) error {
	line.StoreID = t.storeID
	return insertSaleLine(ctx, t.tx, line)
}

func (t *saleTx) SaleLinesByTransaction(ctx context.Context, transactionID string) ([]domain.SaleLine, error) {
	return querySaleLines(ctx, t.tx, `WHERE store_id = $1 AND transaction_id = $2 ORDER BY id`, t.storeID, transactionID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func insertSaleLine(ctx context.Context, db execer, line domain.SaleLine) error {
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	var transactionID any
	if line.TransactionID != "" {
		transactionID = line.TransactionID
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sale_lines (
			id, store_id, product_id, product_name, quantity, unit_price, line_total,
			payment_method, sold_at, transfer_receipt_url, transaction_id, recorded_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, line.ID, line.StoreID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice, line.LineTotal,
		string(line.PaymentMethod), line.Timestamp.UTC(), line.TransferReceiptURL, transactionID, line.RecordedBy)
	return mapError(err)
}

func querySaleLines(ctx context.Context, db execer, where string, args ...any) ([]domain.SaleLine, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, store_id, product_id, product_name, quantity, unit_price, line_total,
			payment_method, sold_at, transfer_receipt_url, COALESCE(transaction_id, ''), recorded_by
		FROM sale_lines
		`+where, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 64)
	for rows.Next() {
		var line domain.SaleLine
		var method string
		if err := rows.Scan(&line.ID, &line.StoreID, &line.ProductID, &line.ProductName, &line.Quantity, &line.UnitPrice,
			&line.LineTotal, &method, &line.Timestamp, &line.TransferReceiptURL, &line.TransactionID, &line.RecordedBy); err != nil {
			return nil, err
		}
		line.PaymentMethod = domain.NormalizePaymentMethod(method, line.TransferReceiptURL != "")
		line.Timestamp = line.Timestamp.UTC()
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListStores(ctx context.Context) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, active, created_at
		FROM stores
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stores := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.Name, &st.Address, &st.Active, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.CreatedAt = st.CreatedAt.UTC()
		stores = append(stores, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stores, nil
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, active, created_at
		FROM stores
		WHERE id = $1
	`, storeID).Scan(&st.ID, &st.Name, &st.Address, &st.Active, &st.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) ListCatalogProducts(ctx context.Context) ([]domain.CatalogProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit_price, stock_quantity, description
		FROM catalog_products
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.CatalogProduct, 0, 64)
	for rows.Next() {
		var p domain.CatalogProduct
		if err := rows.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.StockQuantity, &p.Description); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, storeID string, productID string) (*domain.InventoryItem, error) {
	return scanInventoryItem(s.db.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_items
		WHERE store_id = $1 AND product_id = $2
	`, storeID, productID))
}

func (s *Store) ListInventory(ctx context.Context, storeID string) ([]domain.InventoryItem, error) {
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_items
		WHERE store_id = $1
		ORDER BY name, product_id
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertInventoryItems(ctx context.Context, storeID string, items []domain.InventoryItem) error {
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		if item.ProductID == "" || item.StockQuantity < 0 || item.UnitPrice.IsNegative() {
			return store.ErrInvalid
		}
		var migratedAt any
		if item.MigratedAt != nil {
			migratedAt = item.MigratedAt.UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_items (
				store_id, product_id, name, unit_price, stock_quantity, description, active,
				migrated_from_global_catalog, source_product_id, migrated_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
			ON CONFLICT (store_id, product_id)
			DO UPDATE SET
				name = EXCLUDED.name,
				unit_price = EXCLUDED.unit_price,
				stock_quantity = EXCLUDED.stock_quantity,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				migrated_from_global_catalog = EXCLUDED.migrated_from_global_catalog,
				source_product_id = EXCLUDED.source_product_id,
				migrated_at = EXCLUDED.migrated_at,
				updated_at = now()
		`, storeID, item.ProductID, item.Name, item.UnitPrice, item.StockQuantity, item.Description, item.Active,
			item.MigratedFromGlobalCatalog, item.SourceProductID, migratedAt)
		if err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateInventoryItem(ctx context.Context, storeID string, productID string, req domain.InventoryUpdateRequest) (*domain.InventoryItem, error) {
	if req.StockQuantity != nil && *req.StockQuantity < 0 {
		return nil, store.ErrInvalid
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return nil, store.ErrInvalid
	}
	var price any
	if req.UnitPrice != nil {
		price = req.UnitPrice.String()
	}

	return scanInventoryItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET name = COALESCE($3, name),
			unit_price = COALESCE($4::numeric, unit_price),
			stock_quantity = COALESCE($5, stock_quantity),
			description = COALESCE($6, description),
			active = COALESCE($7, active),
			updated_at = now()
		WHERE store_id = $1 AND product_id = $2
		RETURNING `+inventoryColumns,
		storeID, productID, req.Name, price, req.StockQuantity, req.Description, req.Active))
}

func (s *Store) ListSaleLines(ctx context.Context, filter store.SaleLineFilter) ([]domain.SaleLine, error) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.StoreID != "" {
		add("store_id = $%d", filter.StoreID)
	}
	if !filter.From.IsZero() {
		add("sold_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("sold_at < $%d", filter.To.UTC())
	}
	if filter.MissingTransactionID {
		clauses = append(clauses, "(transaction_id IS NULL OR transaction_id = '')")
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	where += " ORDER BY sold_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		where += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return querySaleLines(ctx, s.db, where, args...)
}

// AssignTransactionIDs updates lines one by one; each update only applies
// while the line is still untagged.
func (s *Store) AssignTransactionIDs(ctx context.Context, assignments []store.TransactionIDAssignment) (store.AssignmentResult, error) {
	result := store.AssignmentResult{Failures: map[string]error{}}
	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE sale_lines
			SET transaction_id = $2
			WHERE id = $1 AND (transaction_id IS NULL OR transaction_id = '')
		`, a.LineID, a.TransactionID)
		if err != nil {
			result.Failures[a.LineID] = mapError(err)
			continue
		}
		affected, err := res.RowsAffected()
		if err != nil {
			result.Failures[a.LineID] = err
			continue
		}
		if affected == 1 {
			result.Updated++
			continue
		}

		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sale_lines WHERE id = $1)`, a.LineID).Scan(&exists); err != nil {
			result.Failures[a.LineID] = err
			continue
		}
		if !exists {
			result.Failures[a.LineID] = store.ErrNotFound
			continue
		}
		result.Skipped++
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR store_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, array_to_string(store_ids, ','), active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var storeIDs string
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &storeIDs, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		if storeIDs != "" {
			user.StoreIDs = strings.Split(storeIDs, ",")
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	storeIDs := user.StoreIDs
	if storeIDs == nil {
		storeIDs = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, store_ids, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (username)
		DO UPDATE SET password = EXCLUDED.password, role = EXCLUDED.role, store_ids = EXCLUDED.store_ids,
			active = EXCLUDED.active, updated_at = now()
	`, username, user.Password, user.Role, storeIDs, user.Active)
	return mapError(err)
}
