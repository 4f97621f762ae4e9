// Package canonicalize implements RFC 8785 JSON Canonicalization Scheme (JCS)
// serialization. It is the basis of every *_hash column in the data model:
// two semantically identical values must canonicalize to byte-identical
// output on any implementation, in any process, at any time.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidValue is returned when a value cannot be canonicalized: NaN,
// ±Infinity, or an integer outside the JSON "safe integer" domain
// (±(2^53 - 1)).
var ErrInvalidValue = errors.New("canonicalize: invalid value")

const maxSafeInteger = int64(1)<<53 - 1

// Version identifies the canonicalization scheme. It is recorded on every
// run so an auditor can tell which serialization produced the stored hashes.
const Version = "jcs-rfc8785/sha-256"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key properties:
//  1. Object keys are sorted lexicographically by UTF-8 code point.
//  2. HTML escaping is disabled (unlike json.Marshal's default).
//  3. Numbers round-trip exactly: integers are emitted verbatim, floats in
//     the shortest round-trip form, serialized as RFC 8785 prescribes
//     (plain decimal for 1e-6 <= |f| < 1e21, otherwise exponent form
//     without leading exponent zeros).
//  4. NaN, ±Infinity, and integers outside the safe-integer domain are
//     rejected with ErrInvalidValue rather than silently coerced.
func JCS(v interface{}) ([]byte, error) {
	// Marshal through the standard encoder first so struct tags, Marshaler
	// implementations, and embedded fields behave exactly as json.Marshal
	// documents, then decode into a generic tree we fully control the
	// serialization of.
	intermediate, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, unsupported.Str)
		}
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalInto(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalHash returns stable_hash(v): the SHA-256 hex digest of v's
// canonical JSON representation.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalInto(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return marshalNumber(buf, t)
	case string:
		return marshalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalInto(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalInto(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		// float64 reaches here only if the caller built the tree by hand
		// rather than round-tripping through json.Marshal/UseNumber.
		if f, ok := v.(float64); ok {
			return marshalFloat(buf, f)
		}
		return fmt.Errorf("jcs: unsupported value type %T", v)
	}
}

func marshalString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("jcs: string encode failed: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; trim it back off.
	b := buf.Bytes()
	buf.Truncate(len(b) - 1)
	return nil
}

func marshalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Outside int64 range entirely: certainly outside the safe domain.
			return fmt.Errorf("%w: integer %s exceeds safe integer domain", ErrInvalidValue, s)
		}
		if i > maxSafeInteger || i < -maxSafeInteger {
			return fmt.Errorf("%w: integer %s exceeds safe integer domain", ErrInvalidValue, s)
		}
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("jcs: number parse failed: %w", err)
	}
	return marshalFloat(buf, f)
}

func marshalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: NaN/Infinity is not representable in JSON", ErrInvalidValue)
	}
	if f == 0 {
		buf.WriteString("0")
		return nil
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	s = strings.Replace(s, "e-0", "e-", 1)
	s = strings.Replace(s, "e+0", "e+", 1)
	buf.WriteString(s)
	return nil
}
