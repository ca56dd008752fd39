// Package file implements safetx.Store on the local filesystem using the
// layout {root}/{safe}/{network}/{nonce}-{hashSuffix}.json.
package file

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/pkg/logger"
)

// NetworkNamer maps chain ids to directory names.
type NetworkNamer interface {
	Name(chainID safetx.ChainID) string
}

// Store persists transactions as JSON envelopes.
type Store struct {
	root        string
	networks    NetworkNamer
	lockTimeout time.Duration
	log         *slog.Logger
}

// Option customises the store.
type Option func(*Store)

// WithLockTimeout bounds how long Save waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建文件存储，必要时创建根目录。
func New(root string, networks NetworkNamer, opts ...Option) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, xerrors.Configuration("未配置交易存储目录")
	}
	if networks == nil {
		return nil, xerrors.Configuration("未提供网络名称解析器")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建交易存储目录失败")
	}
	s := &Store{root: root, networks: networks, lockTimeout: 5 * time.Second, log: logger.Named("file_store")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Root returns the base directory.
func (s *Store) Root() string { return s.root }

// Close implements safetx.Store.
func (s *Store) Close() error { return nil }

// Dir returns the directory a transaction for (safe, chain) is stored in.
// Without a safe address the flat root is used.
func (s *Store) Dir(safeAddress string, chainID safetx.ChainID) string {
	if strings.TrimSpace(safeAddress) == "" || chainID == 0 {
		return s.root
	}
	return filepath.Join(s.root, safeDirName(safeAddress), s.networks.Name(chainID))
}

// Path returns the full file path for tx.
func (s *Store) Path(tx *safetx.Transaction) string {
	return filepath.Join(s.Dir(tx.SafeAddress(), tx.ChainID), safetx.FileName(tx.Nonce, tx.Hash))
}

// Save writes tx to its computed path, replacing any previous copy. Writers
// are serialised by a per-file lock and the content is renamed into place.
func (s *Store) Save(ctx context.Context, tx *safetx.Transaction) (string, error) {
	if tx == nil {
		return "", xerrors.Parameter("交易不能为空")
	}
	payload, err := safetx.MarshalEnvelope(tx)
	if err != nil {
		return "", err
	}
	path := s.Path(tx)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建交易目录失败")
	}

	lock := flock.New(lockPath(path))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !locked {
		if err == nil {
			err = lockCtx.Err()
		}
		return "", xerrors.Wrap(xerrors.CodeConflict, err, "获取交易文件锁超时: "+path)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	if err := writeAtomic(dir, path, payload); err != nil {
		return "", err
	}
	s.log.Debug("交易已保存", "path", path, "status", tx.Status, "signatures", tx.SignatureCount())
	return path, nil
}

func writeAtomic(dir, path string, payload []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新交易文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭交易文件失败")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换交易文件失败")
	}
	return nil
}

// Load resolves identifier in the scoped directory, then the flat root,
// then (only without a safe address) every scoped directory.
func (s *Store) Load(ctx context.Context, identifier string, opts safetx.LoadOptions) (*safetx.Transaction, error) {
	id, err := safetx.ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	for _, group := range s.searchGroups(opts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx, err := s.resolve(group, id)
		if err != nil {
			return nil, err
		}
		if tx != nil {
			return tx, nil
		}
	}
	return nil, xerrors.NotFound(identifier, nil)
}

func (s *Store) searchGroups(opts safetx.LoadOptions) [][]string {
	var groups [][]string
	safeAddress := strings.TrimSpace(opts.SafeAddress)
	switch {
	case safeAddress != "" && opts.ChainID != 0:
		groups = append(groups, []string{s.Dir(safeAddress, opts.ChainID)})
	case safeAddress != "":
		groups = append(groups, s.networkDirs(filepath.Join(s.root, safeDirName(safeAddress))))
	}
	groups = append(groups, []string{s.root})
	if safeAddress == "" {
		groups = append(groups, s.scopedDirs())
	}
	return groups
}

type candidate struct {
	path   string
	name   string
	nonce  uint64
	suffix string
	named  bool
}

func (s *Store) candidates(dirs []string) []candidate {
	var out []candidate
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, safetx.FileExtension) {
				continue
			}
			c := candidate{path: filepath.Join(dir, name), name: name}
			c.nonce, c.suffix, c.named = safetx.ParseFileName(name)
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) resolve(dirs []string, id safetx.Identifier) (*safetx.Transaction, error) {
	files := s.candidates(dirs)
	if len(files) == 0 {
		return nil, nil
	}
	switch id.Kind {
	case safetx.IdentifierHash:
		for _, c := range files {
			tx, err := s.read(c.path)
			if err != nil {
				continue
			}
			if strings.EqualFold(tx.Hash, id.Hash) {
				return tx, nil
			}
		}
		suffix := safetx.HashSuffix(id.Hash)
		for _, c := range files {
			if c.named && c.suffix == suffix {
				return s.read(c.path)
			}
		}
		return nil, nil
	case safetx.IdentifierNonce:
		var matches []candidate
		for _, c := range files {
			if c.named && c.nonce == id.Nonce {
				matches = append(matches, c)
			}
		}
		switch len(matches) {
		case 0:
			return nil, nil
		case 1:
			return s.read(matches[0].path)
		default:
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				names = append(names, m.name)
			}
			sort.Strings(names)
			return nil, xerrors.New(xerrors.CodeConflict,
				"nonce "+id.Raw+" 对应多笔交易，请使用哈希或哈希后缀: "+strings.Join(names, ", "),
				xerrors.WithMetadata("candidates", strings.Join(names, ",")))
		}
	default:
		var best *candidate
		for i := range files {
			c := &files[i]
			if !id.MatchesFileName(c.name) {
				continue
			}
			if best == nil || c.nonce > best.nonce {
				best = c
			}
		}
		if best == nil {
			return nil, nil
		}
		return s.read(best.path)
	}
}

func (s *Store) read(path string) (*safetx.Transaction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易文件失败: "+path)
	}
	tx, err := safetx.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "交易文件格式错误: "+path)
	}
	return tx, nil
}

// List loads every transaction visible for the options, skipping files that
// fail to parse.
func (s *Store) List(ctx context.Context, opts ...safetx.ListOption) ([]*safetx.Transaction, error) {
	options := safetx.BuildListOptions(opts)
	var dirs []string
	switch {
	case options.SafeAddress != "" && options.ChainID != 0:
		dirs = []string{s.Dir(options.SafeAddress, options.ChainID)}
	case options.SafeAddress != "":
		dirs = s.networkDirs(filepath.Join(s.root, safeDirName(options.SafeAddress)))
	default:
		dirs = append([]string{s.root}, s.scopedDirs()...)
	}
	// flat files may belong to this safe; Apply filters the rest by metadata
	if options.SafeAddress != "" {
		dirs = append(dirs, s.root)
	}

	seen := make(map[string]struct{})
	var out []*safetx.Transaction
	for _, c := range s.candidates(dirs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx, err := s.read(c.path)
		if err != nil {
			s.log.Warn("跳过无法解析的交易文件", "path", c.path, "error", err)
			continue
		}
		key := strings.ToLower(tx.Hash)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tx)
	}
	return options.Apply(out), nil
}

func (s *Store) networkDirs(safeDir string) []string {
	entries, err := os.ReadDir(safeDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(safeDir, entry.Name()))
		}
	}
	return dirs
}

func (s *Store) scopedDirs() []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && common.IsHexAddress(entry.Name()) {
			dirs = append(dirs, s.networkDirs(filepath.Join(s.root, entry.Name()))...)
		}
	}
	return dirs
}

func safeDirName(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).Hex()
	}
	return address
}

func lockPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".lock")
}

var _ safetx.Store = (*Store)(nil)
