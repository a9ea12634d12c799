// Package sqlite implements the Ledger port on an embedded SQLite
// database. It stands in for a real platform store client in local
// development and CLI sessions: catalog entries are seeded rows,
// purchases succeed immediately and land in the records table, and the
// update feed is driven by the writes of this process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/felixgeelhaar/storeflow/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	transaction_id     INTEGER PRIMARY KEY,
	original_id        INTEGER NOT NULL,
	sku                TEXT    NOT NULL,
	subscription_group TEXT    NOT NULL DEFAULT '',
	purchased_at       INTEGER NOT NULL,
	expires_at         INTEGER,
	quantity           INTEGER NOT NULL DEFAULT 1,
	signed_payload     TEXT    NOT NULL,
	auto_renew         INTEGER,
	sandbox            INTEGER NOT NULL DEFAULT 0,
	finalized          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_records_original ON records(original_id);

CREATE TABLE IF NOT EXISTS catalog (
	sku                TEXT PRIMARY KEY,
	price_millis       INTEGER NOT NULL,
	currency_code      TEXT    NOT NULL,
	price_formatted    TEXT    NOT NULL,
	subscription_group TEXT    NOT NULL DEFAULT ''
);
`

// Ledger is a SQLite-backed ledger.
type Ledger struct {
	db *sql.DB

	mu      sync.Mutex
	feeds   []chan ledger.Record
	nextTx  int64
	sandbox bool
}

// Open opens (and migrates) a ledger database at path. Use ":memory:"
// for tests.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite doesn't support multiple writers, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(transaction_id), 0) FROM records`).Scan(&l.nextTx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read ledger sequence: %w", err)
	}
	return l, nil
}

// Sandbox marks purchases this ledger produces as sandbox records.
func (l *Ledger) Sandbox(on bool) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sandbox = on
	return l
}

// Close closes the database and every open update feed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	for _, ch := range l.feeds {
		close(ch)
	}
	l.feeds = nil
	l.mu.Unlock()
	return l.db.Close()
}

// SeedEntry inserts or replaces a catalog entry.
func (l *Ledger) SeedEntry(ctx context.Context, entry ledger.CatalogEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO catalog (sku, price_millis, currency_code, price_formatted, subscription_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sku) DO UPDATE SET
			price_millis = excluded.price_millis,
			currency_code = excluded.currency_code,
			price_formatted = excluded.price_formatted,
			subscription_group = excluded.subscription_group`,
		entry.SKU, entry.PriceMillis, entry.CurrencyCode, entry.PriceFormatted, entry.SubscriptionGroup)
	if err != nil {
		return fmt.Errorf("seed catalog entry: %w", err)
	}
	return nil
}

func (l *Ledger) CurrentPurchases(ctx context.Context) ([]ledger.Record, error) {
	now := time.Now().UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT transaction_id, original_id, sku, subscription_group, purchased_at,
		       expires_at, quantity, signed_payload, auto_renew, sandbox
		FROM records
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY purchased_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list current purchases: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (l *Ledger) Updates(ctx context.Context) (<-chan ledger.Record, error) {
	ch := make(chan ledger.Record, 16)
	l.mu.Lock()
	l.feeds = append(l.feeds, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		for i, c := range l.feeds {
			if c == ch {
				l.feeds = append(l.feeds[:i], l.feeds[i+1:]...)
				close(ch)
				break
			}
		}
		l.mu.Unlock()
	}()
	return ch, nil
}

func (l *Ledger) Entries(ctx context.Context, skus []string) (map[string]ledger.CatalogEntry, error) {
	out := make(map[string]ledger.CatalogEntry, len(skus))
	for _, sku := range skus {
		var entry ledger.CatalogEntry
		err := l.db.QueryRowContext(ctx, `
			SELECT sku, price_millis, currency_code, price_formatted, subscription_group
			FROM catalog WHERE sku = ?`, sku).
			Scan(&entry.SKU, &entry.PriceMillis, &entry.CurrencyCode, &entry.PriceFormatted, &entry.SubscriptionGroup)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve catalog entry %q: %w", sku, err)
		}
		out[sku] = entry
	}
	return out, nil
}

// Initiate completes immediately: the embedded ledger has no user
// interaction to wait for.
func (l *Ledger) Initiate(ctx context.Context, entry ledger.CatalogEntry, params ledger.PurchaseParams) (*ledger.PurchaseResult, error) {
	l.mu.Lock()
	l.nextTx++
	tx := l.nextTx
	sandbox := l.sandbox
	l.mu.Unlock()

	quantity := params.Quantity
	if quantity == 0 {
		quantity = 1
	}

	record := ledger.Record{
		TransactionID:     uint64(tx),
		OriginalID:        uint64(tx),
		SKU:               entry.SKU,
		SubscriptionGroup: entry.SubscriptionGroup,
		PurchasedAt:       time.Now().UTC(),
		Quantity:          quantity,
		SignedPayload:     fmt.Sprintf("sqlite:%s:%d", entry.SKU, tx),
		Sandbox:           sandbox,
	}

	if err := l.insertRecord(ctx, record); err != nil {
		return nil, err
	}
	return &ledger.PurchaseResult{State: ledger.PurchaseCompleted, Record: &record}, nil
}

// Insert stores a record produced elsewhere and feeds it to open
// update streams. Used to simulate renewals and out-of-band purchases.
func (l *Ledger) Insert(ctx context.Context, record ledger.Record) error {
	if err := l.insertRecord(ctx, record); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if int64(record.TransactionID) > l.nextTx {
		l.nextTx = int64(record.TransactionID)
	}
	for _, ch := range l.feeds {
		select {
		case ch <- record:
		default:
		}
	}
	return nil
}

func (l *Ledger) insertRecord(ctx context.Context, record ledger.Record) error {
	var expires any
	if record.ExpiresAt != nil {
		expires = record.ExpiresAt.UnixMilli()
	}
	var autoRenew any
	if record.AutoRenew != nil {
		autoRenew = *record.AutoRenew
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO records (transaction_id, original_id, sku, subscription_group,
			purchased_at, expires_at, quantity, signed_payload, auto_renew, sandbox)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransactionID, record.OriginalID, record.SKU, record.SubscriptionGroup,
		record.PurchasedAt.UnixMilli(), expires, record.Quantity, record.SignedPayload,
		autoRenew, record.Sandbox)
	if err != nil {
		return fmt.Errorf("insert ledger record: %w", err)
	}
	return nil
}

func (l *Ledger) Finalize(ctx context.Context, transactionID uint64) error {
	res, err := l.db.ExecContext(ctx, `UPDATE records SET finalized = 1 WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return fmt.Errorf("finalize record %d: %w", transactionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("finalize record %d: %w", transactionID, sql.ErrNoRows)
	}
	return nil
}

func (l *Ledger) IsFinalized(ctx context.Context, transactionID uint64) (bool, error) {
	var finalized bool
	err := l.db.QueryRowContext(ctx, `SELECT finalized FROM records WHERE transaction_id = ?`, transactionID).Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finalization state of %d: %w", transactionID, err)
	}
	return finalized, nil
}

func (l *Ledger) SignForTransfer(_ context.Context, records []ledger.Record) ([]string, error) {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.SignedPayload
	}
	return out, nil
}

func (l *Ledger) HasSubscriptionHistory(ctx context.Context) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE subscription_group <> ''`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("subscription history: %w", err)
	}
	return count > 0, nil
}

func scanRecord(rows *sql.Rows) (ledger.Record, error) {
	var (
		record      ledger.Record
		purchasedAt int64
		expiresAt   sql.NullInt64
		autoRenew   sql.NullBool
	)
	err := rows.Scan(&record.TransactionID, &record.OriginalID, &record.SKU,
		&record.SubscriptionGroup, &purchasedAt, &expiresAt, &record.Quantity,
		&record.SignedPayload, &autoRenew, &record.Sandbox)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("scan ledger record: %w", err)
	}
	record.PurchasedAt = time.UnixMilli(purchasedAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		record.ExpiresAt = &t
	}
	if autoRenew.Valid {
		v := autoRenew.Bool
		record.AutoRenew = &v
	}
	return record, nil
}
