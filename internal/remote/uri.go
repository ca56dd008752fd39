package remote

import (
	"regexp"
	"strings"

	xerrors "OpenSafe-Chain/internal/errors"
)

// URIScheme is the canonical scheme recorded in transaction metadata.
const URIScheme = "ipfs://"

var cidPattern = regexp.MustCompile(`^[A-Za-z0-9]{32,}$`)

// ParseIdentifierFromURI 从 ipfs://cid、包含 /ipfs/<cid> 的网关地址或裸 CID 中提取内容标识。
func ParseIdentifierFromURI(uri string) (string, error) {
	value := strings.TrimSpace(uri)
	if value == "" {
		return "", xerrors.Parameter("内容标识不能为空")
	}
	var candidate string
	switch {
	case strings.HasPrefix(strings.ToLower(value), URIScheme):
		candidate = firstSegment(value[len(URIScheme):])
	case strings.Contains(value, "/ipfs/"):
		candidate = firstSegment(value[strings.Index(value, "/ipfs/")+len("/ipfs/"):])
	default:
		candidate = value
	}
	if !cidPattern.MatchString(candidate) {
		return "", xerrors.Parameter("无法识别的内容标识: %q", uri)
	}
	return candidate, nil
}

func firstSegment(path string) string {
	if idx := strings.IndexAny(path, "/?#"); idx >= 0 {
		return path[:idx]
	}
	return path
}
