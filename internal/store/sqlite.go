package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// SQLiteStore implements Store using SQLite. The database is opened in
// WAL mode so readers run concurrently with the single writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stashes (
			id TEXT PRIMARY KEY,
			blob_url TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			seller_pubkey TEXT NOT NULL,
			price_sats INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			file_name TEXT NOT NULL DEFAULT 'file',
			file_size INTEGER NOT NULL,
			preview_url TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			stash_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			token_hash TEXT NOT NULL,
			seller_token TEXT,
			claimed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			paid_at INTEGER,
			FOREIGN KEY (stash_id) REFERENCES stashes(id)
		);

		CREATE TABLE IF NOT EXISTS change_proofs (
			id TEXT PRIMARY KEY,
			seller_pubkey TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			amount_sats INTEGER NOT NULL,
			source TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS pending_melts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seller_pubkey TEXT NOT NULL,
			quote_id TEXT NOT NULL,
			proofs_json TEXT NOT NULL,
			invoice TEXT NOT NULL,
			amount_sats INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS seller_settings (
			pubkey TEXT PRIMARY KEY,
			ln_address TEXT,
			auto_settle_threshold INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (unixepoch()),
			updated_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS settlement_log (
			id TEXT PRIMARY KEY,
			seller_pubkey TEXT NOT NULL,
			status TEXT NOT NULL,
			amount_sats INTEGER,
			fee_sats INTEGER,
			net_sats INTEGER,
			destination TEXT,
			error TEXT,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE INDEX IF NOT EXISTS idx_payments_stash ON payments(stash_id);
		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
		CREATE INDEX IF NOT EXISTS idx_stashes_seller ON stashes(seller_pubkey);
		CREATE INDEX IF NOT EXISTS idx_change_seller ON change_proofs(seller_pubkey, consumed);
		CREATE INDEX IF NOT EXISTS idx_melts_status ON pending_melts(status);
		CREATE INDEX IF NOT EXISTS idx_settlement_seller ON settlement_log(seller_pubkey);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// --- Stashes ---

func (s *SQLiteStore) SaveStash(ctx context.Context, st *Stash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stashes (id, blob_url, secret_key, seller_pubkey, price_sats, title, description, file_name, file_size, preview_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.BlobURL, st.SecretKey, st.SellerPubkey, st.PriceSats, st.Title, st.Description, st.FileName, st.FileSize, st.PreviewURL, st.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) GetStash(ctx context.Context, id string) (*Stash, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, blob_url, secret_key, seller_pubkey, price_sats, title, COALESCE(description, ''), file_name, file_size, COALESCE(preview_url, ''), created_at
		FROM stashes WHERE id = ?
	`, id)

	var st Stash
	var createdAt int64
	err := row.Scan(&st.ID, &st.BlobURL, &st.SecretKey, &st.SellerPubkey, &st.PriceSats, &st.Title, &st.Description, &st.FileName, &st.FileSize, &st.PreviewURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.CreatedAt = time.Unix(createdAt, 0)
	return &st, nil
}

// --- Payments ---

func (s *SQLiteStore) InsertPayment(ctx context.Context, p *Payment) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, stash_id, status, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.StashID, p.Status, p.TokenHash, createdAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var claimed int
	var createdAt int64
	var paidAt sql.NullInt64
	err := row.Scan(&p.ID, &p.StashID, &p.Status, &p.TokenHash, &p.SellerToken, &claimed, &createdAt, &paidAt)
	if err != nil {
		return nil, err
	}
	p.Claimed = claimed == 1
	p.CreatedAt = time.Unix(createdAt, 0)
	if paidAt.Valid {
		p.PaidAt = time.Unix(paidAt.Int64, 0)
	}
	return &p, nil
}

const paymentCols = `id, stash_id, status, token_hash, COALESCE(seller_token, ''), claimed, created_at, paid_at`

func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ClaimPaymentProcessing is the compare-and-swap guard against two
// pollers processing the same paid invoice. Correct across multiple
// processes sharing the database file.
func (s *SQLiteStore) ClaimPaymentProcessing(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ? WHERE id = ? AND status = ?
	`, StatusProcessing, id, StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLiteStore) MarkPaymentPaid(ctx context.Context, id, sellerTokenCipher string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ?, seller_token = ?, paid_at = unixepoch() WHERE id = ?
	`, StatusPaid, sellerTokenCipher, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *SQLiteStore) MarkPaymentFailed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ? WHERE id = ?
	`, StatusFailed, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *SQLiteStore) MarkPaymentMintFailed(ctx context.Context, id, quoteID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ?, token_hash = ? WHERE id = ?
	`, StatusMintFailed, quoteID, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *SQLiteStore) ListMintFailedPayments(ctx context.Context) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE status = ?`, StatusMintFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *SQLiteStore) UnclaimedPayments(ctx context.Context, sellerPubkey string) ([]*UnclaimedPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.seller_token, s.price_sats
		FROM payments p
		JOIN stashes s ON p.stash_id = s.id
		WHERE s.seller_pubkey = ? AND p.status = ? AND p.claimed = 0 AND p.seller_token IS NOT NULL AND p.seller_token != ''
	`, sellerPubkey, StatusPaid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unclaimed []*UnclaimedPayment
	for rows.Next() {
		var u UnclaimedPayment
		if err := rows.Scan(&u.PaymentID, &u.SellerToken, &u.AmountSats); err != nil {
			return nil, err
		}
		unclaimed = append(unclaimed, &u)
	}
	return unclaimed, rows.Err()
}

// CleanupStalePayments removes or repairs rows left behind by crashed
// or abandoned flows: stale token payments stuck pending become failed,
// stale processing claims return to pending (re-claimable via the CAS),
// and unpaid Lightning bindings past the invoice lifetime are deleted.
func (s *SQLiteStore) CleanupStalePayments(ctx context.Context, pendingTTL, processingTTL, invoiceTTL time.Duration) (int, error) {
	now := time.Now()
	total := 0

	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ? WHERE status = ? AND id NOT LIKE 'ln-%' AND created_at < ?
	`, StatusFailed, StatusPending, now.Add(-pendingTTL).Unix())
	if err != nil {
		return total, err
	}
	n, _ := result.RowsAffected()
	total += int(n)

	result, err = s.db.ExecContext(ctx, `
		UPDATE payments SET status = ? WHERE status = ? AND created_at < ?
	`, StatusPending, StatusProcessing, now.Add(-processingTTL).Unix())
	if err != nil {
		return total, err
	}
	n, _ = result.RowsAffected()
	total += int(n)

	result, err = s.db.ExecContext(ctx, `
		DELETE FROM payments WHERE status = ? AND id LIKE 'ln-%' AND created_at < ?
	`, StatusPending, now.Add(-invoiceTTL).Unix())
	if err != nil {
		return total, err
	}
	n, _ = result.RowsAffected()
	total += int(n)

	return total, nil
}

// --- Change proofs ---

func (s *SQLiteStore) SaveChangeProof(ctx context.Context, cp *ChangeProof) error {
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_proofs (id, seller_pubkey, ciphertext, amount_sats, source, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, cp.ID, cp.SellerPubkey, cp.Ciphertext, cp.AmountSats, cp.Source, createdAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) UnconsumedChangeProofs(ctx context.Context, sellerPubkey string) ([]*ChangeProof, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_pubkey, ciphertext, amount_sats, source, consumed, created_at
		FROM change_proofs WHERE seller_pubkey = ? AND consumed = 0
	`, sellerPubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proofs []*ChangeProof
	for rows.Next() {
		var cp ChangeProof
		var consumed int
		var createdAt int64
		if err := rows.Scan(&cp.ID, &cp.SellerPubkey, &cp.Ciphertext, &cp.AmountSats, &cp.Source, &consumed, &createdAt); err != nil {
			return nil, err
		}
		cp.Consumed = consumed == 1
		cp.CreatedAt = time.Unix(createdAt, 0)
		proofs = append(proofs, &cp)
	}
	return proofs, rows.Err()
}

func (s *SQLiteStore) MarkSettled(ctx context.Context, paymentIDs, changeProofIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range paymentIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE payments SET claimed = 1 WHERE id = ? AND status = ?`, id, StatusPaid); err != nil {
			return err
		}
	}
	for _, id := range changeProofIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE change_proofs SET consumed = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- Pending melts ---

func (s *SQLiteStore) InsertPendingMelt(ctx context.Context, pm *PendingMelt) (int64, error) {
	createdAt := pm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_melts (seller_pubkey, quote_id, proofs_json, invoice, amount_sats, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pm.SellerPubkey, pm.QuoteID, pm.ProofsJSON, pm.Invoice, pm.AmountSats, MeltPending, createdAt.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) UpdatePendingMeltStatus(ctx context.Context, id int64, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE pending_melts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *SQLiteStore) ListPendingMelts(ctx context.Context, status string) ([]*PendingMelt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_pubkey, quote_id, proofs_json, invoice, amount_sats, status, created_at
		FROM pending_melts WHERE status = ?
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var melts []*PendingMelt
	for rows.Next() {
		var pm PendingMelt
		var createdAt int64
		if err := rows.Scan(&pm.ID, &pm.SellerPubkey, &pm.QuoteID, &pm.ProofsJSON, &pm.Invoice, &pm.AmountSats, &pm.Status, &createdAt); err != nil {
			return nil, err
		}
		pm.CreatedAt = time.Unix(createdAt, 0)
		melts = append(melts, &pm)
	}
	return melts, rows.Err()
}

// --- Seller settings ---

func (s *SQLiteStore) GetSellerSettings(ctx context.Context, pubkey string) (*SellerSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, COALESCE(ln_address, ''), auto_settle_threshold, updated_at
		FROM seller_settings WHERE pubkey = ?
	`, pubkey)

	var st SellerSettings
	var updatedAt int64
	err := row.Scan(&st.Pubkey, &st.LNAddress, &st.AutoSettleThreshold, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return &st, nil
}

func (s *SQLiteStore) UpsertSellerSettings(ctx context.Context, st *SellerSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seller_settings (pubkey, ln_address, auto_settle_threshold, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT(pubkey) DO UPDATE SET
			ln_address = excluded.ln_address,
			auto_settle_threshold = excluded.auto_settle_threshold,
			updated_at = unixepoch()
	`, st.Pubkey, st.LNAddress, st.AutoSettleThreshold)
	return err
}

// --- Settlement log ---

func (s *SQLiteStore) AppendSettlement(ctx context.Context, e *SettlementLogEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_log (id, seller_pubkey, status, amount_sats, fee_sats, net_sats, destination, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SellerPubkey, e.Status, e.AmountSats, e.FeeSats, e.NetSats, e.Destination, e.Error, createdAt.Unix())
	return err
}

func (s *SQLiteStore) ListSettlements(ctx context.Context, sellerPubkey string, limit int) ([]*SettlementLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_pubkey, status, COALESCE(amount_sats, 0), COALESCE(fee_sats, 0), COALESCE(net_sats, 0), COALESCE(destination, ''), COALESCE(error, ''), created_at
		FROM settlement_log WHERE seller_pubkey = ?
		ORDER BY created_at DESC LIMIT ?
	`, sellerPubkey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*SettlementLogEntry
	for rows.Next() {
		var e SettlementLogEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SellerPubkey, &e.Status, &e.AmountSats, &e.FeeSats, &e.NetSats, &e.Destination, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Dashboard ---

func (s *SQLiteStore) SellerStashStats(ctx context.Context, sellerPubkey string) ([]*StashStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			s.id, s.title, s.price_sats, s.created_at,
			COUNT(CASE WHEN p.status = 'paid' THEN 1 END) AS unlock_count,
			COALESCE(SUM(CASE WHEN p.status = 'paid' THEN s.price_sats ELSE 0 END), 0) AS total_earned
		FROM stashes s
		LEFT JOIN payments p ON s.id = p.stash_id
		WHERE s.seller_pubkey = ?
		GROUP BY s.id
		ORDER BY s.created_at DESC
	`, sellerPubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*StashStats
	for rows.Next() {
		var st StashStats
		var createdAt int64
		if err := rows.Scan(&st.ID, &st.Title, &st.PriceSats, &createdAt, &st.UnlockCount, &st.TotalEarned); err != nil {
			return nil, err
		}
		st.CreatedAt = time.Unix(createdAt, 0)
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

// --- Vault sweep support ---

// EncryptedToken references a single custodied token ciphertext. Table
// is either "payments" or "change_proofs".
type EncryptedToken struct {
	Table string
	ID    string
	Value string
}

// ListTokenCiphers returns every stored seller token and change proof,
// encrypted or not. Used by the vault's startup probe and migration.
func (s *SQLiteStore) ListTokenCiphers(ctx context.Context) ([]EncryptedToken, error) {
	var tokens []EncryptedToken

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_token FROM payments WHERE seller_token IS NOT NULL AND seller_token != ''
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t := EncryptedToken{Table: "payments"}
		if err := rows.Scan(&t.ID, &t.Value); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, ciphertext FROM change_proofs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		t := EncryptedToken{Table: "change_proofs"}
		if err := rows.Scan(&t.ID, &t.Value); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RewriteTokenCiphers replaces stored token values in one transaction.
// Used by the vault's one-time plaintext migration sweep.
func (s *SQLiteStore) RewriteTokenCiphers(ctx context.Context, updates []EncryptedToken) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range updates {
		var query string
		switch u.Table {
		case "payments":
			query = `UPDATE payments SET seller_token = ? WHERE id = ?`
		case "change_proofs":
			query = `UPDATE change_proofs SET ciphertext = ? WHERE id = ?`
		default:
			return fmt.Errorf("unknown token table %q", u.Table)
		}
		if _, err := tx.ExecContext(ctx, query, u.Value, u.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ Store = (*SQLiteStore)(nil)
