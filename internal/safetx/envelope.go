package safetx

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	xerrors "OpenSafe-Chain/internal/errors"
)

// Envelope markers written to every stored or published transaction.
const (
	EnvelopeVersion = "1.0"
	EnvelopeType    = "Transaction"
)

// Envelope is the versioned on-disk and on-wire wrapper.
type Envelope struct {
	Version string          `json:"version"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type fileData struct {
	Hash           string            `json:"hash"`
	To             string            `json:"to"`
	Value          string            `json:"value"`
	Data           string            `json:"data"`
	Operation      Operation         `json:"operation"`
	SafeTxGas      string            `json:"safeTxGas"`
	BaseGas        string            `json:"baseGas"`
	GasPrice       string            `json:"gasPrice"`
	GasToken       string            `json:"gasToken"`
	RefundReceiver string            `json:"refundReceiver"`
	Nonce          *flexUint         `json:"nonce"`
	Signatures     map[string]string `json:"signatures"`
	CreateDate     time.Time         `json:"createDate"`
	Status         Status            `json:"status"`
	Metadata       Metadata          `json:"metadata"`
	ChainID        *flexUint         `json:"chainId"`
	ExecutionDate  *time.Time        `json:"executionDate"`
	IsExecuted     *bool             `json:"isExecuted,omitempty"`
	IsSuccessful   *bool             `json:"isSuccessful,omitempty"`
}

// flexUint decodes a JSON number or a decimal/hex string.
type flexUint uint64

func (f flexUint) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(f), 10)), nil
}

func (f *flexUint) UnmarshalJSON(raw []byte) error {
	text := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = unquoted
	}
	value, err := parseUint(text)
	if err != nil {
		return xerrors.Parameter("无法解析整数字段: %s", string(raw))
	}
	*f = flexUint(value)
	return nil
}

// MarshalEnvelope 将交易序列化为带版本号的 JSON 信封。
func MarshalEnvelope(tx *Transaction) ([]byte, error) {
	if tx == nil {
		return nil, xerrors.Parameter("交易不能为空")
	}
	nonce := flexUint(tx.Nonce)
	chainID := flexUint(tx.ChainID)
	executed := tx.IsExecuted()
	successful := tx.IsSuccessful()
	signatures := tx.Signatures
	if signatures == nil {
		signatures = map[string]string{}
	}
	var executionDate *time.Time
	if tx.ExecutionDate != nil {
		date := tx.ExecutionDate.UTC()
		executionDate = &date
	}
	data := fileData{
		Hash:           tx.Hash,
		To:             tx.To,
		Value:          tx.Value,
		Data:           tx.Data,
		Operation:      tx.Operation,
		SafeTxGas:      tx.SafeTxGas,
		BaseGas:        tx.BaseGas,
		GasPrice:       tx.GasPrice,
		GasToken:       tx.GasToken,
		RefundReceiver: tx.RefundReceiver,
		Nonce:          &nonce,
		Signatures:     signatures,
		CreateDate:     tx.CreateDate.UTC(),
		Status:         tx.Status,
		Metadata:       tx.Metadata,
		ChainID:        &chainID,
		ExecutionDate:  executionDate,
		IsExecuted:     &executed,
		IsSuccessful:   &successful,
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "序列化交易失败")
	}
	env := Envelope{Version: EnvelopeVersion, Type: EnvelopeType, Data: payload}
	return json.MarshalIndent(env, "", "  ")
}

// UnmarshalEnvelope parses and validates a stored envelope.
func UnmarshalEnvelope(raw []byte) (*Transaction, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "交易文件不是有效的 JSON")
	}
	if env.Version != EnvelopeVersion {
		return nil, xerrors.Parameter("不支持的交易文件版本: %q", env.Version)
	}
	if env.Type != EnvelopeType {
		return nil, xerrors.Parameter("交易文件类型错误: %q", env.Type)
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, xerrors.Parameter("交易文件缺少 data 字段")
	}
	return decodeData(trimmed)
}

// WrapData builds an envelope around a bare data object.
func WrapData(data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Version: EnvelopeVersion, Type: EnvelopeType, Data: data})
}

func decodeData(raw []byte) (*Transaction, error) {
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "交易数据格式错误")
	}
	var missing []string
	if strings.TrimSpace(data.Hash) == "" {
		missing = append(missing, "hash")
	}
	if strings.TrimSpace(data.To) == "" {
		missing = append(missing, "to")
	}
	if data.Nonce == nil {
		missing = append(missing, "nonce")
	}
	if data.ChainID == nil || *data.ChainID == 0 {
		missing = append(missing, "chainId")
	}
	if len(missing) > 0 {
		return nil, xerrors.Parameter("交易数据缺少必填字段: %s", strings.Join(missing, ", "))
	}
	if !IsFullHash(data.Hash) {
		return nil, xerrors.Parameter("交易数据中的哈希无效: %q", data.Hash)
	}
	if data.Operation > OperationDelegateCall {
		return nil, xerrors.Parameter("未知的 operation: %d", data.Operation)
	}
	status := data.Status
	if status == "" {
		status = StatusPending
	}
	if !status.IsValid() {
		return nil, xerrors.Parameter("未知的交易状态: %q", data.Status)
	}

	params := Params{
		To:             data.To,
		Value:          data.Value,
		Data:           data.Data,
		Operation:      data.Operation,
		SafeTxGas:      data.SafeTxGas,
		BaseGas:        data.BaseGas,
		GasPrice:       data.GasPrice,
		GasToken:       data.GasToken,
		RefundReceiver: data.RefundReceiver,
		Nonce:          uint64(*data.Nonce),
		ChainID:        ChainID(*data.ChainID),
	}.WithDefaults()

	tx := &Transaction{
		Hash:           data.Hash,
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
		Signatures:     make(map[string]string, len(data.Signatures)),
		Status:         status,
		Metadata:       data.Metadata.clone(),
		CreateDate:     data.CreateDate.UTC(),
	}
	for owner, sig := range data.Signatures {
		tx.Signatures[owner] = sig
	}
	if data.ExecutionDate != nil {
		date := data.ExecutionDate.UTC()
		tx.ExecutionDate = &date
	}
	if data.IsExecuted != nil && *data.IsExecuted != tx.IsExecuted() {
		v := *data.IsExecuted
		tx.executedOverride = &v
	}
	if data.IsSuccessful != nil && *data.IsSuccessful != tx.IsSuccessful() {
		v := *data.IsSuccessful
		tx.successfulOverride = &v
	}
	return tx, nil
}
