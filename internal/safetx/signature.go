package safetx

import (
	"bytes"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenSafe-Chain/internal/errors"
)

// SignatureType is inferred from the trailing v byte of a Safe signature.
type SignatureType string

const (
	SignatureContract     SignatureType = "CONTRACT_SIGNATURE"
	SignatureApprovedHash SignatureType = "APPROVED_HASH"
	SignatureEOA          SignatureType = "EOA"
	SignatureEthSign      SignatureType = "ETH_SIGN"
	SignatureUnknown      SignatureType = "UNKNOWN"
)

// SignatureLength is the size of a single r||s||v Safe signature.
const SignatureLength = 65

// Confirmation is a display row for one owner signature.
type Confirmation struct {
	Owner     string
	Signature string
	Type      SignatureType
}

// InferSignatureType maps the v byte to the Safe signature scheme.
func InferSignatureType(signature string) SignatureType {
	raw, err := hexutil.Decode(normalizeHex(signature))
	if err != nil || len(raw) != SignatureLength {
		return SignatureUnknown
	}
	switch v := raw[SignatureLength-1]; {
	case v == 0:
		return SignatureContract
	case v == 1:
		return SignatureApprovedHash
	case v == 27 || v == 28:
		return SignatureEOA
	case v == 31 || v == 32:
		return SignatureEthSign
	default:
		return SignatureUnknown
	}
}

// AddSignature returns a copy with owner's signature merged in. Existing
// entries are never replaced: re-signing by an owner already present is a
// no-op here and must be rejected by the caller.
func (t *Transaction) AddSignature(owner, signature string) *Transaction {
	out := t.Clone()
	if t.IsSignedBy(owner) {
		return out
	}
	out.Signatures[owner] = signature
	return out
}

// IsSignedBy compares owner addresses case-insensitively.
func (t *Transaction) IsSignedBy(owner string) bool {
	_, ok := t.signatureKey(owner)
	return ok
}

// SignatureOf returns the stored signature of owner.
func (t *Transaction) SignatureOf(owner string) (string, bool) {
	key, ok := t.signatureKey(owner)
	if !ok {
		return "", false
	}
	return t.Signatures[key], true
}

func (t *Transaction) signatureKey(owner string) (string, bool) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", false
	}
	for key := range t.Signatures {
		if strings.EqualFold(key, owner) {
			return key, true
		}
	}
	return "", false
}

// SignatureCount returns the number of collected owner signatures.
func (t *Transaction) SignatureCount() int {
	return len(t.Signatures)
}

// HasEnoughSignatures decides whether the transaction can be executed. When
// an executor is given and has not signed yet, submitting the transaction
// counts as its implicit final signature.
func (t *Transaction) HasEnoughSignatures(threshold int, executor string) bool {
	n := len(t.Signatures)
	if n >= threshold {
		return true
	}
	if strings.TrimSpace(executor) == "" {
		return false
	}
	if t.IsSignedBy(executor) {
		return false
	}
	return n+1 >= threshold
}

// Confirmations lists signatures ordered by owner address ascending.
func (t *Transaction) Confirmations() []Confirmation {
	owners := t.sortedOwners()
	out := make([]Confirmation, 0, len(owners))
	for _, owner := range owners {
		sig := t.Signatures[owner]
		out = append(out, Confirmation{Owner: owner, Signature: sig, Type: InferSignatureType(sig)})
	}
	return out
}

// EncodedSignatures concatenates signatures with signers sorted by address
// ascending, the order Safe's checkSignatures expects.
func (t *Transaction) EncodedSignatures() (string, error) {
	var buf bytes.Buffer
	for _, owner := range t.sortedOwners() {
		raw, err := hexutil.Decode(normalizeHex(t.Signatures[owner]))
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidParameter, err, "owner "+owner+" 的签名不是有效的十六进制")
		}
		buf.Write(raw)
	}
	return hexutil.Encode(buf.Bytes()), nil
}

func (t *Transaction) sortedOwners() []string {
	owners := make([]string, 0, len(t.Signatures))
	for owner := range t.Signatures {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		a, b := common.HexToAddress(owners[i]), common.HexToAddress(owners[j])
		if cmp := bytes.Compare(a.Bytes(), b.Bytes()); cmp != 0 {
			return cmp < 0
		}
		return owners[i] < owners[j]
	})
	return owners
}

func normalizeHex(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "0x") && !strings.HasPrefix(value, "0X") {
		value = "0x" + value
	}
	return value
}
