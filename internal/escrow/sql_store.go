package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbd888/marketescrow/internal/pagination"
	"github.com/shopspring/decimal"
)

// Dialect selects the SQL flavour an SQLStore speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore persists escrow transactions in PostgreSQL or SQLite. The schema
// lives in migrations/.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates a new SQL-backed escrow store.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const transactionColumns = `id, status, listing_id, seller_party, buyer_party, custody_agent,
		       price_amount, price_currency, payment_reference, delivery_payload,
		       confirmation, dispute, settlement_reference, timeline, version`

func (s *SQLStore) Create(ctx context.Context, tx *Transaction) error {
	row, err := encodeRow(tx)
	if err != nil {
		return err
	}

	// Existence is checked first so a duplicate maps to ErrDuplicate without
	// parsing driver-specific constraint errors.
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM escrow_transactions WHERE id = ?`), tx.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("escrow store: check %s: %w", tx.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO escrow_transactions (
			id, status, listing_id, seller_party, buyer_party, custody_agent,
			price_amount, price_currency, payment_reference, delivery_payload,
			confirmation, dispute, settlement_reference, timeline, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.ID, string(tx.Status), tx.ListingID, tx.SellerParty, tx.BuyerParty, tx.CustodyAgent,
		tx.Price.Amount.String(), tx.Price.Currency, tx.PaymentReference, tx.DeliveryPayload,
		row.confirmation, row.dispute, tx.SettlementReference, row.timeline, tx.Version,
		tx.CreatedAt().UTC(), tx.UpdatedAt().UTC(),
	)
	if err != nil {
		return fmt.Errorf("escrow store: insert %s: %w", tx.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = ?`), id)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("", id)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow store: get %s: %w", id, err)
	}
	return tx, nil
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, expected int64, next *Transaction) error {
	if next.Version != expected+1 {
		return fmt.Errorf("escrow store: next version %d does not follow %d", next.Version, expected)
	}
	row, err := encodeRow(next)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE escrow_transactions SET
			status = ?, payment_reference = ?, delivery_payload = ?,
			confirmation = ?, dispute = ?, settlement_reference = ?,
			timeline = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`),
		string(next.Status), next.PaymentReference, next.DeliveryPayload,
		row.confirmation, row.dispute, next.SettlementReference,
		row.timeline, next.Version, next.UpdatedAt().UTC(),
		next.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("escrow store: update %s: %w", next.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("escrow store: update %s: %w", next.ID, err)
	}
	if rows == 1 {
		return nil
	}

	// Zero rows: either the record is gone or someone else won the race.
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM escrow_transactions WHERE id = ?`), next.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("", next.ID)
	}
	if err != nil {
		return fmt.Errorf("escrow store: update %s: %w", next.ID, err)
	}
	return ErrVersionConflict
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses []Status, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+4)
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE status IN (` + strings.Join(marks, ", ") + `)`
	if after != nil {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		at := after.CreatedAt.UTC()
		args = append(args, at, at, after.ID)
	}
	query += `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
	args = append(args, limitOrAll(limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("escrow store: list by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *SQLStore) ListByParty(ctx context.Context, party string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	p := NormalizeParty(party)
	query := `
		SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE (buyer_party = ? OR seller_party = ?)`
	args := []any{p, p}
	if after != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		at := after.CreatedAt.UTC()
		args = append(args, at, at, after.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ?`
	args = append(args, limitOrAll(limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("escrow store: list by party: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *SQLStore) Snapshot(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions`)
	if err != nil {
		return nil, fmt.Errorf("escrow store: snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries here never
// contain a literal question mark.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// limitOrAll maps a non-positive limit to "no limit" for both dialects.
func limitOrAll(limit int) int64 {
	if limit <= 0 {
		return 1 << 62
	}
	return int64(limit)
}

type encodedRow struct {
	confirmation sql.NullString
	dispute      sql.NullString
	timeline     string
}

func encodeRow(tx *Transaction) (encodedRow, error) {
	var row encodedRow
	timeline, err := json.Marshal(tx.Timeline)
	if err != nil {
		return row, fmt.Errorf("escrow store: encode timeline: %w", err)
	}
	row.timeline = string(timeline)

	if tx.Confirmation != nil {
		b, err := json.Marshal(tx.Confirmation)
		if err != nil {
			return row, fmt.Errorf("escrow store: encode confirmation: %w", err)
		}
		row.confirmation = sql.NullString{String: string(b), Valid: true}
	}
	if tx.Dispute != nil {
		b, err := json.Marshal(tx.Dispute)
		if err != nil {
			return row, fmt.Errorf("escrow store: encode dispute: %w", err)
		}
		row.dispute = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status       string
		amount       string
		confirmation sql.NullString
		dispute      sql.NullString
		timeline     string
	)

	err := sc.Scan(
		&tx.ID, &status, &tx.ListingID, &tx.SellerParty, &tx.BuyerParty, &tx.CustodyAgent,
		&amount, &tx.Price.Currency, &tx.PaymentReference, &tx.DeliveryPayload,
		&confirmation, &dispute, &tx.SettlementReference, &timeline, &tx.Version,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.Price.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decode price of %s: %w", tx.ID, err)
	}
	if err := json.Unmarshal([]byte(timeline), &tx.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline of %s: %w", tx.ID, err)
	}
	if confirmation.Valid {
		tx.Confirmation = &Confirmation{}
		if err := json.Unmarshal([]byte(confirmation.String), tx.Confirmation); err != nil {
			return nil, fmt.Errorf("decode confirmation of %s: %w", tx.ID, err)
		}
	}
	if dispute.Valid {
		tx.Dispute = &DisputeRecord{}
		if err := json.Unmarshal([]byte(dispute.String), tx.Dispute); err != nil {
			return nil, fmt.Errorf("decode dispute of %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow store: scan: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow store: scan: %w", err)
	}
	return result, nil
}

// Compile-time assertion that SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
