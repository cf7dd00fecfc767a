package domain

import "strings"

// GuardPolicy tunes the thresholds and allow-lists the guard enforces.
// The zero value is unusable; start from DefaultGuardPolicy.
type GuardPolicy struct {
	// AllowedFunctions is the lowercase set of callable function names.
	// Anything outside it is rejected, including schema-qualified calls.
	AllowedFunctions map[string]bool

	// MaxSelectDepth caps how deeply subqueries may nest. The outermost
	// select is depth 1.
	MaxSelectDepth int

	// AllowUnicodeIdentifiers permits identifiers containing non-ASCII
	// characters. Off by default: lookalike identifiers are a common
	// smuggling channel.
	AllowUnicodeIdentifiers bool
}

// defaultAllowedFunctions is the stock allow-list: deterministic scalar and
// aggregate functions with no side effects and no volatile results that
// would poison the cache (random, gen_random_uuid and friends stay out;
// now is included because staleness there is bounded by cache age, not
// nondeterminism within a result set).
var defaultAllowedFunctions = []string{
	"abs", "age", "array_agg", "avg", "bool_and", "bool_or", "btrim",
	"ceil", "ceiling", "char_length", "coalesce", "concat", "concat_ws",
	"count", "date_part", "date_trunc", "extract", "floor", "initcap",
	"left", "length", "lower", "lpad", "ltrim", "max", "min", "mod",
	"now", "nullif", "position", "power", "replace", "reverse", "right",
	"round", "rpad", "rtrim", "split_part", "sqrt", "stddev",
	"stddev_pop", "stddev_samp", "string_agg", "strpos", "substr",
	"substring", "sum", "to_char", "to_date", "to_number",
	"to_timestamp", "translate", "trunc", "upper", "variance",
}

// DefaultGuardPolicy returns the stock policy: the default function
// allow-list, subqueries up to three levels deep, ASCII identifiers only.
func DefaultGuardPolicy() GuardPolicy {
	return GuardPolicy{
		AllowedFunctions:        FunctionSet(defaultAllowedFunctions),
		MaxSelectDepth:          3,
		AllowUnicodeIdentifiers: false,
	}
}

// FunctionSet builds a lowercase membership set from function names.
func FunctionSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ToLower(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

// FunctionAllowed reports whether the policy permits calling name.
func (p GuardPolicy) FunctionAllowed(name string) bool {
	return p.AllowedFunctions[strings.ToLower(name)]
}
