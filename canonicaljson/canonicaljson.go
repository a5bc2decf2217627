// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package canonicaljson implements the Matrix canonical JSON encoding used
// for content hashing, event signing and request signing: UTF-8, sorted
// object keys, no insignificant whitespace, integers only (no floats).
package canonicaljson

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// NonCanonicalizable is returned when a JSON value falls outside the subset
// that canonical JSON can represent: floating point numbers, or integers
// outside the tolerated range.
type NonCanonicalizable struct {
	Reason string
}

func (e NonCanonicalizable) Error() string {
	return fmt.Sprintf("canonicaljson: not canonicalizable: %s", e.Reason)
}

// maxSafeInt/minSafeInt are the 53-bit signed range of canonical JSON
// numbers on the wire (§4.1). Canonicalize does not apply that bound: it
// accepts any signed 64-bit integer, so 63-bit origin_server_ts/depth
// values pass on ingress, and no per-field 53-bit check is made here or
// by the event package.
const (
	maxSafeInt = int64(1) << 53
	minSafeInt = -(int64(1) << 53)
)

// Canonicalize converts an arbitrary JSON document into its canonical byte
// form. It parses input with a decoder that preserves integers (via
// json.Number) so 64-bit timestamps survive round-tripping, then
// re-serializes with sorted keys and no floats.
func Canonicalize(input []byte) ([]byte, error) {
	v, err := parse(input)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustCanonicalize is Canonicalize but panics on error. Only safe to use on
// values the caller has already validated as canonicalizable (e.g. values
// that round-tripped once already).
func MustCanonicalize(input []byte) []byte {
	out, err := Canonicalize(input)
	if err != nil {
		panic(err)
	}
	return out
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case jsonNumber:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
		return nil
	case []interface{}:
		return encodeArray(buf, val)
	case map[string]interface{}:
		return encodeObject(buf, val)
	default:
		return NonCanonicalizable{Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

func encodeNumber(buf *bytes.Buffer, n jsonNumber) error {
	i, ok := n.Int64()
	if !ok {
		// Only values that can't possibly be a signed 64-bit integer are
		// rejected here.
		return NonCanonicalizable{Reason: fmt.Sprintf("number %q is not an integer in the tolerated range", string(n))}
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // ascending by Unicode codepoint == byte-wise for UTF-8 keys
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// jsonNumber is the textual form of a JSON number as produced by our
// decoder, kept as a string so we never round-trip through float64.
type jsonNumber string

func (n jsonNumber) Int64() (int64, bool) {
	i, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

// isFloat reports whether this number is written or parsed as a
// non-integral float — the parser rejects such numbers as NonCanonicalizable.
func (n jsonNumber) isFloat() bool {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return false
	}
	return f != math.Trunc(f) || bytes.ContainsAny([]byte(n), ".eE")
}
