package safetx

import (
	"context"
	"sort"
	"strings"
)

// Store 抽象了交易的持久化接口。
type Store interface {
	// Save overwrites any previous copy and returns the storage location.
	Save(ctx context.Context, tx *Transaction) (string, error)
	// Load resolves a full hash, a nonce or a file name fragment.
	Load(ctx context.Context, identifier string, opts LoadOptions) (*Transaction, error)
	List(ctx context.Context, opts ...ListOption) ([]*Transaction, error)
	Close() error
}

// LoadOptions scopes identifier resolution to a Safe and chain.
type LoadOptions struct {
	SafeAddress string
	ChainID     ChainID
}

// SortField is the secondary ordering key; nonce is always primary.
type SortField string

const (
	SortByCreateDate    SortField = "createDate"
	SortByExecutionDate SortField = "executionDate"
	SortByStatus        SortField = "status"
	SortBySignatures    SortField = "signatures"
)

// ParseSortField 解析排序字段，空字符串返回默认值。
func ParseSortField(raw string) (SortField, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "createdate", "created", "date":
		return SortByCreateDate, true
	case "executiondate", "executed":
		return SortByExecutionDate, true
	case "status":
		return SortByStatus, true
	case "signatures", "sigs":
		return SortBySignatures, true
	default:
		return "", false
	}
}

// ListOptions controls how transactions are selected when listing.
type ListOptions struct {
	SafeAddress string
	ChainID     ChainID
	Statuses    []Status
	Type        string
	SortBy      SortField
	Ascending   bool
	Limit       int
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithSafe limits the listing to one Safe.
func WithSafe(address string) ListOption {
	return func(opts *ListOptions) {
		opts.SafeAddress = address
	}
}

// WithChain limits the listing to one chain.
func WithChain(chainID ChainID) ListOption {
	return func(opts *ListOptions) {
		opts.ChainID = chainID
	}
}

// WithStatuses filters by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithType filters by the metadata operation-type tag.
func WithType(kind string) ListOption {
	return func(opts *ListOptions) {
		opts.Type = kind
	}
}

// WithSort sets the secondary sort field and direction.
func WithSort(field SortField, ascending bool) ListOption {
	return func(opts *ListOptions) {
		opts.SortBy = field
		opts.Ascending = ascending
	}
}

// WithLimit caps the number of results; zero means unlimited.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.SortBy == "" {
		options.SortBy = SortByCreateDate
	}
	if options.Limit < 0 {
		options.Limit = 0
	}
	options.Type = strings.TrimSpace(options.Type)
	return options
}

// Matches applies the filters of opts to tx.
func (opts ListOptions) Matches(tx *Transaction) bool {
	if tx == nil {
		return false
	}
	if opts.SafeAddress != "" && !strings.EqualFold(tx.SafeAddress(), opts.SafeAddress) {
		return false
	}
	if opts.ChainID != 0 && tx.ChainID != opts.ChainID {
		return false
	}
	if opts.Type != "" && !strings.EqualFold(tx.Metadata.Type, opts.Type) {
		return false
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if tx.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Apply filters, sorts and truncates txs in place and returns the result.
func (opts ListOptions) Apply(txs []*Transaction) []*Transaction {
	filtered := txs[:0]
	for _, tx := range txs {
		if opts.Matches(tx) {
			filtered = append(filtered, tx)
		}
	}
	Sort(filtered, opts.SortBy, opts.Ascending)
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}

// Sort orders by nonce, then by field. Descending unless ascending is set.
func Sort(txs []*Transaction, field SortField, ascending bool) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Nonce != b.Nonce {
			if ascending {
				return a.Nonce < b.Nonce
			}
			return a.Nonce > b.Nonce
		}
		cmp := compareBy(a, b, field)
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
}

func compareBy(a, b *Transaction, field SortField) int {
	switch field {
	case SortByExecutionDate:
		var at, bt int64
		if a.ExecutionDate != nil {
			at = a.ExecutionDate.UnixNano()
		}
		if b.ExecutionDate != nil {
			bt = b.ExecutionDate.UnixNano()
		}
		return compareInt64(at, bt)
	case SortByStatus:
		return strings.Compare(string(a.Status), string(b.Status))
	case SortBySignatures:
		return compareInt64(int64(len(a.Signatures)), int64(len(b.Signatures)))
	default:
		return compareInt64(a.CreateDate.UnixNano(), b.CreateDate.UnixNano())
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Stats 聚合交易状态的统计信息。
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"byStatus"`
	LowestNonce  uint64         `json:"lowestNonce"`
	HighestNonce uint64         `json:"highestNonce"`
}

// CollectStats counts txs per status.
func CollectStats(txs []*Transaction) Stats {
	stats := Stats{ByStatus: make(map[Status]int)}
	for i, tx := range txs {
		stats.Total++
		stats.ByStatus[tx.Status]++
		if i == 0 || tx.Nonce < stats.LowestNonce {
			stats.LowestNonce = tx.Nonce
		}
		if tx.Nonce > stats.HighestNonce {
			stats.HighestNonce = tx.Nonce
		}
	}
	return stats
}
