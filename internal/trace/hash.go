package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/causewaylabs/causeway/internal/core/port"
)

// HashRows produces a stable digest of a result set so two runs can be
// compared without embedding rows in the trace. Column order and row order
// both contribute; a reordered result hashes differently.
func HashRows(cols []port.ResultColumn, rows [][]any) string {
	h := sha256.New()
	for _, c := range cols {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.TypeName))
		h.Write([]byte{'\n'})
	}
	enc := json.NewEncoder(h)
	for _, row := range rows {
		// Encode failures (e.g. NaN) skip the row; the hash still covers
		// everything that could be serialized.
		_ = enc.Encode(row)
	}
	return hex.EncodeToString(h.Sum(nil))
}
