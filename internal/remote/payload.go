package remote

import (
	"bytes"
	"encoding/json"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
)

// normalizePayload accepts a JSON string holding an envelope, an envelope
// object, or a bare data object, and returns envelope bytes.
func normalizePayload(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "远端内容不是合法的 JSON 字符串")
		}
		trimmed = bytes.TrimSpace([]byte(inner))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "远端内容格式错误")
	}
	if _, ok := fields["data"]; ok {
		if _, hasType := fields["type"]; hasType {
			return trimmed, nil
		}
	}
	if _, ok := fields["hash"]; ok {
		return safetx.WrapData(json.RawMessage(trimmed))
	}
	return nil, xerrors.Parameter("远端内容既不是交易信封也不是交易数据")
}

func decodePayload(body []byte) (*safetx.Transaction, []byte, error) {
	envelope, err := normalizePayload(body)
	if err != nil {
		return nil, nil, err
	}
	tx, err := safetx.UnmarshalEnvelope(envelope)
	if err != nil {
		return nil, nil, err
	}
	return tx, envelope, nil
}
