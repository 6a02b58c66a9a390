package op

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
//
// This is the ONLY serialization that may feed a signature or a
// content-addressed hash. Two peers canonicalizing the same value must
// produce byte-identical output, or signatures stop verifying and state
// hashes diverge.
//
// Differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Floats return an error
//  5. Null returns an error
func MarshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return nil, fmt.Errorf("null is forbidden in canonical JSON")
	case String:
		return canonicalString(string(val))
	case string:
		return canonicalString(val)
	case Int:
		return fmt.Appendf(nil, "%d", int64(val)), nil
	case int64:
		return fmt.Appendf(nil, "%d", val), nil
	case int:
		return fmt.Appendf(nil, "%d", val), nil
	case Bool:
		return canonicalBool(bool(val)), nil
	case bool:
		return canonicalBool(val), nil
	case Array:
		return canonicalArray(val)
	case Object:
		return canonicalObject(val)
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	case []any, map[string]any:
		converted, err := FromGo(val)
		if err != nil {
			return nil, err
		}
		return MarshalCanonical(converted)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func canonicalBool(b bool) []byte {
	if b {
		return []byte("true")
	}
	return []byte("false")
}

// canonicalString produces a canonical JSON string with NFC normalization.
// Per RFC 8785: no HTML escaping, and U+2028/U+2029 are NOT escaped; only
// control characters, backslash, and quote are.
func canonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	result := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	// Go's encoder escapes U+2028/U+2029 for JavaScript embedding, which
	// RFC 8785 forbids. The encoder output is fully escaped JSON, so any
	// literal `\u202x` sequence here came from an actual separator
	// character (a source backslash is itself encoded as `\\`, leaving an
	// even run of backslashes before it).
	result = unescapeLineSeparators(result)
	return result, nil
}

// unescapeLineSeparators rewrites U+2028 and U+2029 escapes back to their
// literal characters, leaving \\u2028 (escaped backslash + text) intact.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	var out bytes.Buffer
	out.Grow(len(data))
	backslashes := 0
	for i := 0; i < len(data); {
		c := data[i]
		if c == '\\' && backslashes%2 == 0 && i+6 <= len(data) &&
			bytes.HasPrefix(data[i:], []byte(`\u202`)) &&
			(data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out.WriteString("\u2028")
			} else {
				out.WriteString("\u2029")
			}
			i += 6
			continue
		}
		if c == '\\' {
			backslashes++
		} else {
			backslashes = 0
		}
		out.WriteByte(c)
		i++
	}
	return out.Bytes()
}

func canonicalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func canonicalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := canonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
