package bitrix

import (
	"fmt"
	"sort"
	"strings"
)

// Params is a free-form parameter map for a CRM REST call.
type Params map[string]any

// RawString marks a value that must be embedded into the form body without
// URL encoding (it is already encoded by the caller).
type RawString string

// KV is an ordered key/value pair for methods whose parameter order matters.
type KV struct {
	Key   string
	Value any
}

// OrderedParams preserves parameter order during encoding. The legacy task
// list methods require ORDER/FILTER/SELECT to arrive in a fixed sequence.
type OrderedParams []KV

// ConvertParams serializes parameters into the CRM's bracketed form encoding:
// nested maps become a[b][c]=v, sequences become a[0]=v&a[1]=v, and empty
// collections serialize as key[]=.
func ConvertParams(form any) string {
	return strings.Join(encodeValue(form, ""), "&")
}

func encodeValue(value any, key string) []string {
	switch v := value.(type) {
	case nil:
		return []string{key + "="}
	case RawString:
		return []string{key + "=" + string(v)}
	case Params:
		return encodeMap(map[string]any(v), key)
	case map[string]any:
		return encodeMap(v, key)
	case OrderedParams:
		if key != "" && len(v) == 0 {
			return []string{key + "[]="}
		}
		var parts []string
		for _, kv := range v {
			parts = append(parts, encodeValue(kv.Value, childKey(key, kv.Key))...)
		}
		return parts
	case []any:
		if key != "" && len(v) == 0 {
			return []string{key + "[]="}
		}
		var parts []string
		for i, item := range v {
			parts = append(parts, encodeValue(item, childKey(key, fmt.Sprint(i)))...)
		}
		return parts
	case []string:
		anySlice := make([]any, len(v))
		for i, s := range v {
			anySlice[i] = s
		}
		return encodeValue(anySlice, key)
	case []int:
		anySlice := make([]any, len(v))
		for i, n := range v {
			anySlice[i] = n
		}
		return encodeValue(anySlice, key)
	case []int64:
		anySlice := make([]any, len(v))
		for i, n := range v {
			anySlice[i] = n
		}
		return encodeValue(anySlice, key)
	default:
		return []string{key + "=" + quote(fmt.Sprint(v))}
	}
}

func encodeMap(m map[string]any, key string) []string {
	if key != "" && len(m) == 0 {
		return []string{key + "[]="}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, encodeValue(m[k], childKey(key, k))...)
	}
	return parts
}

func childKey(parent, key string) string {
	if parent == "" {
		return quote(key)
	}
	return parent + "[" + quote(key) + "]"
}

// quote percent-encodes a string the way the CRM expects: unreserved
// characters and '/' pass through, everything else becomes %XX.
func quote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '_' || c == '.' || c == '~' || c == '/':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
