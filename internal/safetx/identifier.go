package safetx

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xerrors "OpenSafe-Chain/internal/errors"
)

// FileExtension is appended to every stored transaction file.
const FileExtension = ".json"

// MinFuzzyLength is the shortest accepted substring identifier.
const MinFuzzyLength = 4

// HashSuffixLength is the number of trailing hex chars kept in file names.
const HashSuffixLength = 8

var (
	fullHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	fileNamePattern = regexp.MustCompile(`^(\d+)-([0-9a-fA-F]{8})\.json$`)
	digitsPattern   = regexp.MustCompile(`^\d+$`)
)

// IdentifierKind tells the store which lookup strategy to apply.
type IdentifierKind int

const (
	IdentifierHash IdentifierKind = iota
	IdentifierNonce
	IdentifierFuzzy
)

func (k IdentifierKind) String() string {
	switch k {
	case IdentifierHash:
		return "hash"
	case IdentifierNonce:
		return "nonce"
	default:
		return "fuzzy"
	}
}

// Identifier is a parsed user lookup key.
type Identifier struct {
	Raw   string
	Kind  IdentifierKind
	Hash  string
	Nonce uint64
	// Fragment is the lowercase substring matched against file names.
	Fragment string
}

// IsFullHash reports whether value is a 0x-prefixed 32 byte hex string.
func IsFullHash(value string) bool {
	return fullHashPattern.MatchString(value)
}

// HashSuffix returns the last eight hex characters of hash, lowercased.
func HashSuffix(hash string) string {
	hash = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hash), "0x"))
	if len(hash) <= HashSuffixLength {
		return hash
	}
	return hash[len(hash)-HashSuffixLength:]
}

// FileName returns `{nonce}-{suffix}.json`.
func FileName(nonce uint64, hash string) string {
	return fmt.Sprintf("%d-%s%s", nonce, HashSuffix(hash), FileExtension)
}

// ParseFileName extracts nonce and hash suffix from a stored file name.
func ParseFileName(name string) (nonce uint64, suffix string, ok bool) {
	match := fileNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, "", false
	}
	nonce, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nonce, strings.ToLower(match[2]), true
}

// ParseIdentifier 将用户输入解析为完整哈希、nonce 或模糊片段。
func ParseIdentifier(raw string) (Identifier, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Identifier{}, xerrors.Parameter("交易标识不能为空")
	}
	if IsFullHash(value) {
		return Identifier{Raw: raw, Kind: IdentifierHash, Hash: value}, nil
	}
	if digitsPattern.MatchString(value) {
		nonce, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return Identifier{}, xerrors.Parameter("nonce 超出范围: %s", value)
		}
		return Identifier{Raw: raw, Kind: IdentifierNonce, Nonce: nonce}, nil
	}
	fragment := strings.ToLower(value)
	fragment = strings.TrimPrefix(fragment, "0x")
	if len(fragment) < MinFuzzyLength {
		return Identifier{}, xerrors.Parameter("交易标识过短，至少需要 %d 个字符: %q", MinFuzzyLength, raw)
	}
	return Identifier{Raw: raw, Kind: IdentifierFuzzy, Fragment: fragment}, nil
}

// MatchesFileName applies the fuzzy rule to a single file name.
func (id Identifier) MatchesFileName(name string) bool {
	switch id.Kind {
	case IdentifierNonce:
		nonce, _, ok := ParseFileName(name)
		return ok && nonce == id.Nonce
	case IdentifierHash:
		_, suffix, ok := ParseFileName(name)
		return ok && suffix == HashSuffix(id.Hash)
	default:
		// the extension is shared by every file, so only the stem counts.
		stem := strings.TrimSuffix(strings.ToLower(name), FileExtension)
		return strings.Contains(stem, id.Fragment)
	}
}
