package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/pkg/logger"
)

const insertTransactionSQL = `INSERT INTO safe_transactions
    (safe_tx_hash, safe_address, chain_id, nonce, hash_suffix, status, tx_type, envelope, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE safe_address = VALUES(safe_address), status = VALUES(status), tx_type = VALUES(tx_type), envelope = VALUES(envelope), updated_at = VALUES(updated_at)`

// TransactionStore implements safetx.Store on a safe_transactions table.
// The whole envelope is kept in one column; the other columns index it.
type TransactionStore struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// NewTransactionStore 建立连接池并执行迁移。
func NewTransactionStore(ctx context.Context, cfg Config) (*TransactionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return newTransactionStore(db), nil
}

func newTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db, log: logger.Named("mysql_store"), now: time.Now}
}

// Close releases the underlying connection pool.
func (s *TransactionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts tx keyed by its hash and returns a mysql:// location.
func (s *TransactionStore) Save(ctx context.Context, tx *safetx.Transaction) (string, error) {
	if tx == nil {
		return "", xerrors.Parameter("交易不能为空")
	}
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		return "", err
	}
	hash := strings.ToLower(tx.Hash)
	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx, insertTransactionSQL,
		hash,
		safeColumn(tx.SafeAddress()),
		uint64(tx.ChainID),
		tx.Nonce,
		safetx.HashSuffix(tx.Hash),
		string(tx.Status),
		tx.Metadata.Type,
		string(payload),
		tx.CreateDate.Unix(),
		now,
	); err != nil {
		return "", storageError(err, "写入交易失败")
	}
	return "mysql://safe_transactions/" + hash, nil
}

type scope struct {
	clause string
	args   []any
}

// scopes mirrors the directory search order of the file store: the
// (safe, chain) scope, rows without a safe, then every scoped row when no
// safe was given.
func scopes(opts safetx.LoadOptions) []scope {
	var out []scope
	safeAddress := safeColumn(opts.SafeAddress)
	switch {
	case safeAddress != "" && opts.ChainID != 0:
		out = append(out, scope{clause: "safe_address = ? AND chain_id = ?", args: []any{safeAddress, uint64(opts.ChainID)}})
	case safeAddress != "":
		out = append(out, scope{clause: "safe_address = ?", args: []any{safeAddress}})
	}
	out = append(out, scope{clause: "safe_address = ''"})
	if safeAddress == "" {
		out = append(out, scope{clause: "safe_address <> ''"})
	}
	return out
}

// Load resolves identifier scope by scope.
func (s *TransactionStore) Load(ctx context.Context, identifier string, opts safetx.LoadOptions) (*safetx.Transaction, error) {
	id, err := safetx.ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	for _, sc := range scopes(opts) {
		tx, err := s.resolve(ctx, sc, id)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, xerrors.NotFound(identifier, nil)
}

func (s *TransactionStore) resolve(ctx context.Context, sc scope, id safetx.Identifier) (*safetx.Transaction, error) {
	switch id.Kind {
	case safetx.IdentifierHash:
		rows, err := s.query(ctx, "safe_tx_hash = ? AND "+sc.clause, "", prepend(strings.ToLower(id.Hash), sc.args))
		if err != nil || len(rows) > 0 {
			return first(rows), err
		}
		rows, err = s.query(ctx, "hash_suffix = ? AND "+sc.clause, " ORDER BY nonce DESC LIMIT 1", prepend(safetx.HashSuffix(id.Hash), sc.args))
		return first(rows), err
	case safetx.IdentifierNonce:
		rows, err := s.query(ctx, "nonce = ? AND "+sc.clause, " ORDER BY safe_tx_hash", prepend(id.Nonce, sc.args))
		if err != nil || len(rows) <= 1 {
			return first(rows), err
		}
		names := make([]string, 0, len(rows))
		for _, tx := range rows {
			names = append(names, safetx.FileName(tx.Nonce, tx.Hash))
		}
		return nil, xerrors.New(xerrors.CodeConflict,
			"nonce "+id.Raw+" 对应多笔交易，请使用哈希或哈希后缀: "+strings.Join(names, ", "),
			xerrors.WithMetadata("candidates", strings.Join(names, ",")))
	default:
		pattern := "%" + likeEscaper.Replace(id.Fragment) + "%"
		rows, err := s.query(ctx, "CONCAT(nonce, '-', hash_suffix) LIKE ? AND "+sc.clause, " ORDER BY nonce DESC LIMIT 1", prepend(pattern, sc.args))
		return first(rows), err
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// List filters in SQL where a column exists and leaves ordering and limits
// to safetx.ListOptions.Apply.
func (s *TransactionStore) List(ctx context.Context, opts ...safetx.ListOption) ([]*safetx.Transaction, error) {
	options := safetx.BuildListOptions(opts)
	var clauses []string
	var args []any
	if addr := safeColumn(options.SafeAddress); addr != "" {
		clauses = append(clauses, "safe_address = ?")
		args = append(args, addr)
	}
	if options.ChainID != 0 {
		clauses = append(clauses, "chain_id = ?")
		args = append(args, uint64(options.ChainID))
	}
	if len(options.Statuses) > 0 {
		marks := make([]string, 0, len(options.Statuses))
		for _, status := range options.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if options.Type != "" {
		clauses = append(clauses, "tx_type = ?")
		args = append(args, options.Type)
	}
	where := "1 = 1"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}
	rows, err := s.query(ctx, where, " ORDER BY nonce DESC", args)
	if err != nil {
		return nil, err
	}
	return options.Apply(rows), nil
}

func (s *TransactionStore) query(ctx context.Context, where, suffix string, args []any) ([]*safetx.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT safe_tx_hash, envelope FROM safe_transactions WHERE "+where+suffix, args...)
	if err != nil {
		return nil, storageError(err, "查询交易失败")
	}
	defer rows.Close()

	var out []*safetx.Transaction
	for rows.Next() {
		var hash, envelope string
		if err := rows.Scan(&hash, &envelope); err != nil {
			return nil, storageError(err, "解析交易记录失败")
		}
		tx, err := safetx.UnmarshalEnvelope([]byte(envelope))
		if err != nil {
			s.log.Warn("跳过无法解析的交易记录", "safe_tx_hash", hash, "error", err)
			continue
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历交易记录失败")
	}
	return out, nil
}

func first(rows []*safetx.Transaction) *safetx.Transaction {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func prepend(head any, rest []any) []any {
	return append([]any{head}, rest...)
}

func safeColumn(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return strings.ToLower(common.HexToAddress(address).Hex())
	}
	return strings.ToLower(address)
}

var _ safetx.Store = (*TransactionStore)(nil)
