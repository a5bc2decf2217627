package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// parse decodes a single JSON value, preserving integers as jsonNumber
// (never float64) so we can reject non-integral numbers and retain 64-bit
// precision. Trailing data after the first value is rejected.
func parse(input []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, NonCanonicalizable{Reason: "trailing data after JSON value"}
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (interface{}, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := map[string]interface{}{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, NonCanonicalizable{Reason: "object key is not a string"}
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj[key] = val
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []interface{}{}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("canonicaljson: unexpected delimiter %v", t)
		}
	case json.Number:
		n := jsonNumber(t.String())
		if n.isFloat() {
			return nil, NonCanonicalizable{Reason: fmt.Sprintf("number %q is not an integer", t.String())}
		}
		return n, nil
	case string, bool, nil:
		return t, nil
	default:
		return nil, fmt.Errorf("canonicaljson: unexpected token %v (%T)", tok, tok)
	}
}
