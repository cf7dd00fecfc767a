package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// CacheKey identifies one cached result set: one normalized statement with
// one set of bound values against one schema version.
type CacheKey string

// Fingerprint derives the cache key for a vetted query. The key is a
// sha256 over a canonical encoding of the normalized SQL, the bound
// parameters sorted by name, and the schema version, so a change to any of
// the three produces a different key. Deliberately not a parse-tree
// fingerprint: two statements that differ only in literal values must key
// to different entries because their result sets differ.
func Fingerprint(normalizedSQL string, params map[string]any, schemaVersion uint64) CacheKey {
	h := sha256.New()
	io.WriteString(h, normalizedSQL)
	h.Write([]byte{0})

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		io.WriteString(h, name)
		h.Write([]byte{1})
		io.WriteString(h, canonicalValue(params[name]))
		h.Write([]byte{0})
	}

	h.Write([]byte{2})
	io.WriteString(h, strconv.FormatUint(schemaVersion, 10))

	return CacheKey(hex.EncodeToString(h.Sum(nil)))
}

// canonicalValue renders a bound value deterministically and without
// cross-type collisions (int64(1), float64(1) and "1" all encode
// differently).
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return "b:" + strconv.FormatBool(x)
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int32:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float32:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 64)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + x
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
