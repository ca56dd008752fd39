package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

const (
	testSafe = "0x5afe000000000000000000000000000000000001"
)

var envelopeColumns = []string{"safe_tx_hash", "envelope"}

func testTx(t *testing.T, nonce uint64, suffix string) *safetx.Transaction {
	t.Helper()
	tx, err := safetx.New("0x"+strings.Repeat("0", 56)+suffix,
		safetx.Params{To: "0x00000000000000000000000000000000000000d0", Value: "1", Nonce: nonce, ChainID: 11155111},
		safetx.Metadata{Type: "transfer", SafeAddress: testSafe},
		time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	return tx
}

func envelopeRow(t *testing.T, tx *safetx.Transaction) []driver.Value {
	t.Helper()
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return []driver.Value{strings.ToLower(tx.Hash), string(payload)}
}

func TestTransactionStoreSave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertTransactionSQL, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	tx := testTx(t, 5, "aaaaaaaa")
	location, err := store.Save(context.Background(), tx)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if location != "mysql://safe_transactions/"+tx.Hash {
		t.Fatalf("unexpected location %s", location)
	}
}

func TestTransactionStoreLoadByHash(t *testing.T) {
	t.Parallel()

	tx := testTx(t, 5, "aaaaaaaa")
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE safe_tx_hash = ? AND safe_address = ? AND chain_id = ?`,
			mockRowsData{columns: envelopeColumns, values: [][]driver.Value{envelopeRow(t, tx)}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	got, err := store.Load(context.Background(), tx.Hash, safetx.LoadOptions{SafeAddress: testSafe, ChainID: 11155111})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got.Hash != tx.Hash || got.Nonce != 5 {
		t.Fatalf("unexpected transaction %+v", got)
	}
}

func TestTransactionStoreNonceConflict(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{columns: envelopeColumns, values: [][]driver.Value{
		envelopeRow(t, testTx(t, 5, "aaaaaaaa")),
		envelopeRow(t, testTx(t, 5, "bbbbbbbb")),
	}}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE nonce = ? AND safe_address = ? ORDER BY safe_tx_hash`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	_, err := store.Load(context.Background(), "5", safetx.LoadOptions{SafeAddress: testSafe})
	if !stdErrors.Is(err, xerrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["candidates"] != "5-aaaaaaaa.json,5-bbbbbbbb.json" {
		t.Fatalf("expected candidates metadata, got %v", err)
	}
}

func TestTransactionStoreFuzzyFallsThroughScopes(t *testing.T) {
	t.Parallel()

	tx := testTx(t, 9, "abcd1234")
	empty := mockRowsData{columns: envelopeColumns}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE CONCAT(nonce, '-', hash_suffix) LIKE ? AND safe_address = '' ORDER BY nonce DESC LIMIT 1`, empty),
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE CONCAT(nonce, '-', hash_suffix) LIKE ? AND safe_address <> '' ORDER BY nonce DESC LIMIT 1`,
			mockRowsData{columns: envelopeColumns, values: [][]driver.Value{envelopeRow(t, tx)}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	got, err := store.Load(context.Background(), "ABCD", safetx.LoadOptions{})
	if err != nil {
		t.Fatalf("fuzzy load failed: %v", err)
	}
	if got.Nonce != 9 {
		t.Fatalf("unexpected nonce %d", got.Nonce)
	}
}

func TestTransactionStoreLoadNotFound(t *testing.T) {
	t.Parallel()

	empty := mockRowsData{columns: envelopeColumns}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE nonce = ? AND safe_address = '' ORDER BY safe_tx_hash`, empty),
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE nonce = ? AND safe_address <> '' ORDER BY safe_tx_hash`, empty),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	var notFound *xerrors.NotFoundError
	if _, err := store.Load(context.Background(), "42", safetx.LoadOptions{}); !stdErrors.As(err, &notFound) || notFound.Identifier != "42" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransactionStoreListSkipsCorruptRows(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{columns: envelopeColumns, values: [][]driver.Value{
		envelopeRow(t, testTx(t, 3, "00000003")),
		{"0xbroken", "{not json"},
		envelopeRow(t, testTx(t, 1, "00000001")),
	}}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT safe_tx_hash, envelope FROM safe_transactions WHERE safe_address = ? AND status IN (?, ?) ORDER BY nonce DESC`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTransactionStore(db)
	list, err := store.List(context.Background(),
		safetx.WithSafe(testSafe),
		safetx.WithStatuses(safetx.StatusPending, safetx.StatusSubmitted),
		safetx.WithSort(safetx.SortByCreateDate, true))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].Nonce != 1 || list[1].Nonce != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(t), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement(t), mockResult{})
	failing.err = stdErrors.New("syntax error")
	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if !stdErrors.Is(err, xerrors.ErrStorage) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func readMigrationStatement(t *testing.T) string {
	t.Helper()
	content, err := embeddedMigrations.ReadFile("0001_create_safe_transactions.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	statements := splitSQLStatements(string(content))
	if len(statements) != 1 {
		t.Fatalf("expected one statement, got %d", len(statements))
	}
	return statements[0]
}
