package safetx

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
)

// ZeroAddress is the default gas token and refund receiver.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Operation is the Safe call type.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "CALL"
	case OperationDelegateCall:
		return "DELEGATE_CALL"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(o)) + ")"
	}
}

// ChainID identifies an EVM network. It decodes from either a JSON number
// or a decimal/hex string.
type ChainID uint64

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseChainID 解析十进制或 0x 前缀的十六进制链 ID。
func ParseChainID(raw string) (ChainID, error) {
	value, err := parseUint(raw)
	if err != nil || value == 0 {
		return 0, xerrors.Parameter("无效的链 ID: %q", raw)
	}
	return ChainID(value), nil
}

// ExecutionRecord captures what the chain reported for a broadcast.
type ExecutionRecord struct {
	TxHash      string    `json:"txHash"`
	Executor    string    `json:"executor,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	GasUsed     uint64    `json:"gasUsed,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ErrorAnnotation records the last failure observed for a transaction.
type ErrorAnnotation struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RemoteReference points at a published copy in the content-addressed store.
type RemoteReference struct {
	ContentID   string    `json:"contentId"`
	URI         string    `json:"uri"`
	GatewayURL  string    `json:"gatewayUrl"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Error annotation kinds.
const (
	ErrorKindInsufficientSignatures = "insufficient_signatures"
	ErrorKindBroadcast              = "broadcast_failed"
	ErrorKindReverted               = "reverted"
)

// WarningStatusUncertain is set when a broadcast returned no transaction handle.
const WarningStatusUncertain = "status uncertain: broadcast returned no transaction response"

// Metadata is the open bag attached to a transaction.
type Metadata struct {
	Type              string               `json:"type,omitempty"`
	SafeAddress       string               `json:"safeAddress,omitempty"`
	Counterparts      []string             `json:"counterparts,omitempty"`
	SignedAt          map[string]time.Time `json:"signedAt,omitempty"`
	Execution         *ExecutionRecord     `json:"execution,omitempty"`
	LastError         *ErrorAnnotation     `json:"lastError,omitempty"`
	Warning           string               `json:"warning,omitempty"`
	ConfirmationError string               `json:"confirmationError,omitempty"`
	Remote            *RemoteReference     `json:"remote,omitempty"`
	Labels            map[string]string    `json:"labels,omitempty"`
	// Extra holds keys written by other tools; they are kept verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownMetadataKeys = map[string]struct{}{
	"type": {}, "safeAddress": {}, "counterparts": {}, "signedAt": {},
	"execution": {}, "lastError": {}, "warning": {}, "confirmationError": {},
	"remote": {}, "labels": {},
}

type metadataFields Metadata

// MarshalJSON writes the typed fields followed by Extra.
func (m Metadata) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(metadataFields(m))
	if err != nil || len(m.Extra) == 0 {
		return typed, err
	}
	merged := make(map[string]json.RawMessage, len(m.Extra)+len(knownMetadataKeys))
	for k, v := range m.Extra {
		if _, known := knownMetadataKeys[k]; !known {
			merged[k] = v
		}
	}
	if err := json.Unmarshal(typed, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

// UnmarshalJSON fills the typed fields and collects unknown keys in Extra.
func (m *Metadata) UnmarshalJSON(raw []byte) error {
	var typed metadataFields
	if err := json.Unmarshal(raw, &typed); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return err
	}
	for k := range knownMetadataKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	*m = Metadata(typed)
	m.Extra = all
	return nil
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Counterparts != nil {
		out.Counterparts = append([]string(nil), m.Counterparts...)
	}
	if m.SignedAt != nil {
		out.SignedAt = make(map[string]time.Time, len(m.SignedAt))
		for k, v := range m.SignedAt {
			out.SignedAt[k] = v
		}
	}
	if m.Labels != nil {
		out.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			out.Labels[k] = v
		}
	}
	if m.Execution != nil {
		record := *m.Execution
		out.Execution = &record
	}
	if m.LastError != nil {
		annotation := *m.LastError
		out.LastError = &annotation
	}
	if m.Remote != nil {
		ref := *m.Remote
		out.Remote = &ref
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Transaction is a Safe multisig transaction. Values are treated as
// immutable: every update returns a new *Transaction and leaves the
// receiver untouched. Hash, Nonce and ChainID never change after New.
type Transaction struct {
	Hash           string
	To             string
	Value          string
	Data           string
	Operation      Operation
	SafeTxGas      string
	BaseGas        string
	GasPrice       string
	GasToken       string
	RefundReceiver string
	Nonce          uint64
	ChainID        ChainID
	Signatures     map[string]string
	Status         Status
	Metadata       Metadata
	CreateDate     time.Time
	ExecutionDate  *time.Time

	executedOverride   *bool
	successfulOverride *bool
}

// Params describes a transaction before its hash is known.
type Params struct {
	To             string
	Value          string
	Data           string
	Operation      Operation
	SafeTxGas      string
	BaseGas        string
	GasPrice       string
	GasToken       string
	RefundReceiver string
	Nonce          uint64
	ChainID        ChainID
}

// WithDefaults fills the pass-through gas fields with their zero values.
func (p Params) WithDefaults() Params {
	if p.Value == "" {
		p.Value = "0"
	}
	if p.Data == "" {
		p.Data = "0x"
	}
	if p.SafeTxGas == "" {
		p.SafeTxGas = "0"
	}
	if p.BaseGas == "" {
		p.BaseGas = "0"
	}
	if p.GasPrice == "" {
		p.GasPrice = "0"
	}
	if p.GasToken == "" {
		p.GasToken = ZeroAddress
	}
	if p.RefundReceiver == "" {
		p.RefundReceiver = ZeroAddress
	}
	return p
}

// New 根据参数和外部 SDK 计算出的哈希创建 PENDING 状态的交易。
func New(hash string, params Params, metadata Metadata, createdAt time.Time) (*Transaction, error) {
	hash = strings.TrimSpace(hash)
	if !IsFullHash(hash) {
		return nil, xerrors.Parameter("无效的交易哈希: %q", hash)
	}
	if params.ChainID == 0 {
		return nil, xerrors.Configuration("交易缺少链 ID")
	}
	if strings.TrimSpace(params.To) == "" {
		return nil, xerrors.Parameter("交易缺少目标地址")
	}
	params = params.WithDefaults()
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Transaction{
		Hash:           hash,
		To:             params.To,
		Value:          params.Value,
		Data:           params.Data,
		Operation:      params.Operation,
		SafeTxGas:      params.SafeTxGas,
		BaseGas:        params.BaseGas,
		GasPrice:       params.GasPrice,
		GasToken:       params.GasToken,
		RefundReceiver: params.RefundReceiver,
		Nonce:          params.Nonce,
		ChainID:        params.ChainID,
		Signatures:     map[string]string{},
		Status:         StatusPending,
		Metadata:       metadata.clone(),
		CreateDate:     createdAt.UTC(),
	}, nil
}

// Params returns the hashed fields of the transaction.
func (t *Transaction) Params() Params {
	return Params{
		To:             t.To,
		Value:          t.Value,
		Data:           t.Data,
		Operation:      t.Operation,
		SafeTxGas:      t.SafeTxGas,
		BaseGas:        t.BaseGas,
		GasPrice:       t.GasPrice,
		GasToken:       t.GasToken,
		RefundReceiver: t.RefundReceiver,
		Nonce:          t.Nonce,
		ChainID:        t.ChainID,
	}
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Signatures = make(map[string]string, len(t.Signatures))
	for owner, sig := range t.Signatures {
		out.Signatures[owner] = sig
	}
	out.Metadata = t.Metadata.clone()
	if t.ExecutionDate != nil {
		date := *t.ExecutionDate
		out.ExecutionDate = &date
	}
	if t.executedOverride != nil {
		v := *t.executedOverride
		out.executedOverride = &v
	}
	if t.successfulOverride != nil {
		v := *t.successfulOverride
		out.successfulOverride = &v
	}
	return &out
}

// SafeAddress is a shortcut for Metadata.SafeAddress.
func (t *Transaction) SafeAddress() string {
	return t.Metadata.SafeAddress
}

// IsExecuted reports whether the transaction reached the chain. An explicit
// override loaded from disk wins over the status-derived value.
func (t *Transaction) IsExecuted() bool {
	if t.executedOverride != nil {
		return *t.executedOverride
	}
	switch t.Status {
	case StatusExecuted, StatusSuccessful, StatusFailed:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the transaction executed without revert.
func (t *Transaction) IsSuccessful() bool {
	if t.successfulOverride != nil {
		return *t.successfulOverride
	}
	return t.Status == StatusSuccessful
}

// WithStatus returns a copy carrying the new status. It does not check the
// lattice; use Transition for guarded changes.
func (t *Transaction) WithStatus(status Status) *Transaction {
	out := t.Clone()
	out.Status = status
	out.executedOverride = nil
	out.successfulOverride = nil
	return out
}

// Transition returns a copy in the next status if the lattice allows it.
func (t *Transaction) Transition(next Status) (*Transaction, error) {
	if !t.Status.CanTransitionTo(next) {
		return nil, xerrors.Newf(xerrors.CodeConflict, "交易 %s 不能从 %s 变更为 %s", t.Hash, t.Status, next)
	}
	return t.WithStatus(next), nil
}

// WithMetadata returns a copy whose metadata has been modified by fn.
func (t *Transaction) WithMetadata(fn func(*Metadata)) *Transaction {
	out := t.Clone()
	if fn != nil {
		fn(&out.Metadata)
	}
	return out
}

// WithExecutionDate returns a copy stamped with the execution time.
func (t *Transaction) WithExecutionDate(at time.Time) *Transaction {
	out := t.Clone()
	date := at.UTC()
	out.ExecutionDate = &date
	return out
}

func parseUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return strconv.ParseUint(raw[2:], 16, 64)
	}
	return strconv.ParseUint(raw, 10, 64)
}
