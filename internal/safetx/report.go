package safetx

import (
	"strings"
	"time"
)

// SignerInfo describes one collected signature in a status report.
type SignerInfo struct {
	Owner    string     `json:"owner"`
	Type     string     `json:"type"`
	SignedAt *time.Time `json:"signedAt,omitempty"`
}

// SignatureReport 是只读的签名进度报告。
type SignatureReport struct {
	Hash         string       `json:"hash"`
	Count        int          `json:"count"`
	Threshold    int          `json:"threshold"`
	IsExecutable bool         `json:"isExecutable"`
	Missing      []string     `json:"missing"`
	Signers      []SignerInfo `json:"signers"`
}

// CheckSignatureStatus compares the collected signatures against the
// protocol-reported threshold and owner set.
func CheckSignatureStatus(tx *Transaction, threshold int, owners []string) SignatureReport {
	report := SignatureReport{
		Hash:      tx.Hash,
		Count:     tx.SignatureCount(),
		Threshold: threshold,
		Missing:   []string{},
	}
	report.IsExecutable = report.Count >= threshold

	for _, owner := range owners {
		if !tx.IsSignedBy(owner) {
			report.Missing = append(report.Missing, owner)
		}
	}

	for _, confirmation := range tx.Confirmations() {
		info := SignerInfo{Owner: confirmation.Owner, Type: string(confirmation.Type)}
		if at, ok := lookupSignedAt(tx.Metadata.SignedAt, confirmation.Owner); ok {
			at := at
			info.SignedAt = &at
		}
		report.Signers = append(report.Signers, info)
	}
	return report
}

func lookupSignedAt(signedAt map[string]time.Time, owner string) (time.Time, bool) {
	if at, ok := signedAt[owner]; ok {
		return at, true
	}
	for key, at := range signedAt {
		if strings.EqualFold(key, owner) {
			return at, true
		}
	}
	return time.Time{}, false
}
