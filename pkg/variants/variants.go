// Package variants encodes variant selections into the path segment the
// origin uses to pick a pre-rendered page, and decodes it on the origin side.
package variants

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/polisai/polis-edge/pkg/domain"
)

// Prefix marks a rewritten path. The origin routes on it.
const Prefix = "/;"

// ErrInvalidSegment reports a variant segment that cannot be decoded.
var ErrInvalidSegment = errors.New("invalid variant segment")

// Encode renders selections as sorted "id=index" pairs joined by ",".
// The result does not depend on the input order.
func Encode(selections []domain.VariantSelection) string {
	parts := make([]string, len(selections))
	for i, s := range selections {
		parts[i] = s.String()
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}

// RewritePath prefixes path with the encoded selections and strips one
// trailing slash, so "/" becomes "/;" and "/pricing/" becomes "/;.../pricing".
func RewritePath(path string, selections []domain.VariantSelection) string {
	rewritten := Prefix + Encode(selections) + path
	return strings.TrimSuffix(rewritten, "/")
}

// Split separates a rewritten path into its variant segment and the
// original path. ok is false when path carries no variant segment.
func Split(path string) (segment, rest string, ok bool) {
	if !strings.HasPrefix(path, Prefix) {
		return "", path, false
	}
	tail := path[len(Prefix):]
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		return tail[:i], tail[i:], true
	}
	return tail, "/", true
}

// Decode parses an encoded segment back into experience id -> variant index.
func Decode(segment string) (map[string]int, error) {
	out := make(map[string]int)
	if segment == "" {
		return out, nil
	}
	for _, pair := range strings.Split(segment, ",") {
		id, idx, found := strings.Cut(pair, "=")
		if !found || id == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSegment, pair)
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSegment, pair)
		}
		out[id] = n
	}
	return out, nil
}
