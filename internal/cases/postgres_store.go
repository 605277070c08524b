package cases

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/sentinel/internal/rules"
)

// PostgresStore persists case data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) CreateRelationshipManager(ctx context.Context, rm *RelationshipManager) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO relationship_managers (id, name, email, phone)
		VALUES ($1, $2, $3, $4)`,
		rm.ID, rm.Name, rm.Email, nullString(rm.Phone),
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) CreateCustomer(ctx context.Context, c *Customer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, home_city, home_country, account_ref, rm_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.Email, nullString(c.Phone), c.HomeCity, c.HomeCountry,
		nullString(c.AccountRef), nullString(c.RMID),
	)
	return mapUniqueViolation(err)
}

const customerColumns = `c.id, c.name, c.email, c.phone, c.home_city, c.home_country,
		       c.account_ref, c.rm_id, rm.name, rm.email, rm.phone`

func (p *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return getCustomer(ctx, p.db, id)
}

func getCustomer(ctx context.Context, q querier, id string) (*Customer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers c
		LEFT JOIN relationship_managers rm ON rm.id = c.rm_id
		WHERE c.id = $1`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	return c, err
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, customer_id, ts, place, country, category, tx_type,
			amount, currency, destination_bank, status, reviewed,
			reviewed_by, reason, notified, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		t.ID, t.CustomerID, t.Timestamp, t.Place, t.Country, nullString(t.Category), string(t.Type),
		t.Amount, t.Currency, nullString(t.DestinationBank), string(t.Status), t.Reviewed,
		nullString(t.ReviewedBy), t.Reason, string(t.Notified), t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return ErrCustomerNotFound
	}
	return mapUniqueViolation(err)
}

const transactionColumns = `id, customer_id, ts, place, country, category, tx_type,
		       amount, currency, destination_bank, status, reviewed,
		       reviewed_by, reason, notified, created_at, updated_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, after Cursor, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND (ts, id) > ($2, $3)
		ORDER BY ts, id
		LIMIT $4`, string(status), after.Timestamp, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListWindow(ctx context.Context, customerID string, from, to time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE customer_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts, id`, customerID, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func (p *PostgresStore) LastBefore(ctx context.Context, customerID string, before time.Time) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE customer_id = $1 AND ts < $2
		ORDER BY ts DESC, id DESC
		LIMIT 1`, customerID, before)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Transition(ctx context.Context, tr Transition) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			status = $1, reviewed = $2,
			reviewed_by = COALESCE($3, reviewed_by),
			reason = CASE WHEN $4 THEN reason ELSE $5 END,
			updated_at = $6
		WHERE id = $7 AND status = $8
		RETURNING `+transactionColumns,
		string(tr.To), tr.Reviewed, nullString(tr.ReviewedBy),
		tr.KeepReason, tr.Reason, tr.At,
		tr.TxID, string(tr.From),
	)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrStale(ctx, tr.TxID)
	}
	return t, err
}

// missOrStale distinguishes a conditional update that matched nothing
// because the row is gone from one that lost a race.
func (p *PostgresStore) missOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrStaleState
}

func (p *PostgresStore) ConfirmFraud(ctx context.Context, tr Transition, a Archive) (*FraudCase, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, tr.TxID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, mapSerialization(err)
	}
	if t.Status != tr.From {
		return nil, ErrStaleState
	}
	cust, err := getCustomer(ctx, tx, t.CustomerID)
	if err != nil {
		return nil, err
	}
	fc := NewFraudCase(t, cust, a)

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, reviewed = $2, reviewed_by = COALESCE($3, reviewed_by),
			reason = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(tr.To), tr.Reviewed, nullString(tr.ReviewedBy), tr.Reason, tr.At,
		tr.TxID, string(tr.From),
	)
	if err != nil {
		return nil, mapSerialization(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrStaleState
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fraud_cases (
			transaction_id, customer_id, customer_name, customer_email, customer_phone,
			home_city, rm_name, rm_email, rm_phone, amount, currency, place, country,
			ts, destination_bank, hold_reason, rule_id, forensic_report, summary,
			archived_by, archived_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21
		)
		ON CONFLICT (transaction_id) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			customer_email = EXCLUDED.customer_email,
			customer_phone = EXCLUDED.customer_phone,
			home_city = EXCLUDED.home_city,
			rm_name = EXCLUDED.rm_name,
			rm_email = EXCLUDED.rm_email,
			rm_phone = EXCLUDED.rm_phone,
			hold_reason = EXCLUDED.hold_reason,
			rule_id = EXCLUDED.rule_id,
			forensic_report = EXCLUDED.forensic_report,
			summary = EXCLUDED.summary,
			archived_by = EXCLUDED.archived_by,
			archived_at = EXCLUDED.archived_at`,
		fc.TransactionID, fc.CustomerID, fc.CustomerName, fc.CustomerEmail, nullString(fc.CustomerPhone),
		fc.HomeCity, nullString(fc.RMName), nullString(fc.RMEmail), nullString(fc.RMPhone),
		fc.Amount, fc.Currency, fc.Place, fc.Country,
		fc.Timestamp, nullString(fc.DestinationBank), fc.HoldReason, nullString(fc.RuleID),
		nullString(fc.ForensicReport), fc.Summary, nullString(fc.ArchivedBy), fc.ArchivedAt,
	)
	if err != nil {
		return nil, mapSerialization(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSerialization(err)
	}
	return fc, nil
}

const fraudCaseColumns = `transaction_id, customer_id, customer_name, customer_email, customer_phone,
		       home_city, rm_name, rm_email, rm_phone, amount, currency, place, country,
		       ts, destination_bank, hold_reason, rule_id, forensic_report, summary,
		       archived_by, archived_at`

func (p *PostgresStore) GetFraudCase(ctx context.Context, txID string) (*FraudCase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+fraudCaseColumns+` FROM fraud_cases WHERE transaction_id = $1`, txID)
	fc, err := scanFraudCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFraudCaseNotFound
	}
	return fc, err
}

func (p *PostgresStore) ListFraudCases(ctx context.Context, limit int) ([]*FraudCase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fraudCaseColumns+`
		FROM fraud_cases
		ORDER BY archived_at DESC, transaction_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*FraudCase
	for rows.Next() {
		fc, err := scanFraudCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAlertCandidates(ctx context.Context, afterCustomer string, limit int) ([]*AlertCandidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.customer_id, t.ts, t.place, t.country, t.category, t.tx_type,
		       t.amount, t.currency, t.destination_bank, t.status, t.reviewed,
		       t.reviewed_by, t.reason, t.notified, t.created_at, t.updated_at,
		       `+customerColumns+`
		FROM transactions t
		JOIN customers c ON c.id = t.customer_id
		LEFT JOIN relationship_managers rm ON rm.id = c.rm_id
		WHERE t.status IN ('on_hold', 'declined')
		  AND t.reviewed = FALSE
		  AND t.notified = 'pending'
		  AND t.customer_id > $1
		ORDER BY t.customer_id, t.ts, t.id
		LIMIT $2`, afterCustomer, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AlertCandidate
	for rows.Next() {
		t, c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, &AlertCandidate{Transaction: t, Customer: c})
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordNotification(ctx context.Context, n *Notification) (int, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (
			id, customer_id, dedupe_key, transaction_ids, channel,
			recipient, subject, outbox_path, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.CustomerID, n.DedupeKey, pq.Array(n.TransactionIDs), string(n.Channel),
		n.Recipient, n.Subject, nullString(n.OutboxPath), n.CreatedAt,
	)
	if err != nil {
		return 0, mapSerialization(err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET notified = 'sent', updated_at = $1
		WHERE id = ANY($2) AND notified = 'pending'`,
		n.CreatedAt, pq.Array(n.TransactionIDs),
	)
	if err != nil {
		return 0, mapSerialization(err)
	}
	flipped, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, mapSerialization(err)
	}
	return int(flipped), nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, customerID string, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, customer_id, dedupe_key, transaction_ids, channel,
		       recipient, subject, outbox_path, created_at
		FROM notifications
		WHERE ($1 = '' OR customer_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		var channel string
		var outboxPath sql.NullString
		if err := rows.Scan(
			&n.ID, &n.CustomerID, &n.DedupeKey, pq.Array(&n.TransactionIDs), &channel,
			&n.Recipient, &n.Subject, &outboxPath, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		n.Channel = Channel(channel)
		n.OutboxPath = outboxPath.String
		result = append(result, n)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

type txScan struct {
	t                              Transaction
	category, destBank, reviewedBy sql.NullString
	txType, status, notified       string
}

func (s *txScan) dest() []interface{} {
	t := &s.t
	return []interface{}{
		&t.ID, &t.CustomerID, &t.Timestamp, &t.Place, &t.Country, &s.category, &s.txType,
		&t.Amount, &t.Currency, &s.destBank, &s.status, &t.Reviewed,
		&s.reviewedBy, &t.Reason, &s.notified, &t.CreatedAt, &t.UpdatedAt,
	}
}

func (s *txScan) result() *Transaction {
	t := s.t
	t.Category = s.category.String
	t.DestinationBank = s.destBank.String
	t.ReviewedBy = s.reviewedBy.String
	t.Type = rules.TxKind(s.txType)
	t.Status = Status(s.status)
	t.Notified = NotifyState(s.notified)
	t.Timestamp = t.Timestamp.UTC()
	return &t
}

func scanTransaction(s scanner) (*Transaction, error) {
	var ts txScan
	if err := s.Scan(ts.dest()...); err != nil {
		return nil, err
	}
	return ts.result(), nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type customerScan struct {
	c                        Customer
	phone, accountRef, rmID  sql.NullString
	rmName, rmEmail, rmPhone sql.NullString
}

func (s *customerScan) dest() []interface{} {
	c := &s.c
	return []interface{}{
		&c.ID, &c.Name, &c.Email, &s.phone, &c.HomeCity, &c.HomeCountry,
		&s.accountRef, &s.rmID, &s.rmName, &s.rmEmail, &s.rmPhone,
	}
}

func (s *customerScan) result() *Customer {
	c := s.c
	c.Phone = s.phone.String
	c.AccountRef = s.accountRef.String
	c.RMID = s.rmID.String
	if s.rmName.Valid {
		c.RM = &RelationshipManager{
			ID:    c.RMID,
			Name:  s.rmName.String,
			Email: s.rmEmail.String,
			Phone: s.rmPhone.String,
		}
	}
	return &c
}

func scanCustomer(s scanner) (*Customer, error) {
	var cs customerScan
	if err := s.Scan(cs.dest()...); err != nil {
		return nil, err
	}
	return cs.result(), nil
}

func scanCandidate(s scanner) (*Transaction, *Customer, error) {
	var ts txScan
	var cs customerScan
	if err := s.Scan(append(ts.dest(), cs.dest()...)...); err != nil {
		return nil, nil, err
	}
	return ts.result(), cs.result(), nil
}

func scanFraudCase(s scanner) (*FraudCase, error) {
	fc := &FraudCase{}
	var (
		customerPhone, rmName, rmEmail, rmPhone sql.NullString
		destBank, ruleID, report, archivedBy    sql.NullString
	)
	err := s.Scan(
		&fc.TransactionID, &fc.CustomerID, &fc.CustomerName, &fc.CustomerEmail, &customerPhone,
		&fc.HomeCity, &rmName, &rmEmail, &rmPhone, &fc.Amount, &fc.Currency, &fc.Place, &fc.Country,
		&fc.Timestamp, &destBank, &fc.HoldReason, &ruleID, &report, &fc.Summary,
		&archivedBy, &fc.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	fc.CustomerPhone = customerPhone.String
	fc.RMName = rmName.String
	fc.RMEmail = rmEmail.String
	fc.RMPhone = rmPhone.String
	fc.DestinationBank = destBank.String
	fc.RuleID = ruleID.String
	fc.ForensicReport = report.String
	fc.ArchivedBy = archivedBy.String
	return fc, nil
}

// mapUniqueViolation converts duplicate-key errors to ErrAlreadyExists.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrAlreadyExists
	}
	return err
}

// mapSerialization reports a serialization failure as a lost race.
func mapSerialization(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure" {
		return ErrStaleState
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
