package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

// Canonical JSON: object keys sorted, no insignificant whitespace,
// LF-terminated. summary.sig signs exactly these bytes, and
// re-canonicalizing canonical bytes is the identity, so verifiers can
// round-trip the document without breaking the signature.

// Canonicalize re-encodes a JSON document into canonical form.
func Canonicalize(doc []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, xe.WrapWithNote("not a JSON document", err)
	}

	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, parsed); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// MarshalCanonical marshals a Go value straight into canonical form.
func MarshalCanonical(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return Canonicalize(plain)
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case json.Number:
		buf.WriteString(t.String())

	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return xe.Wrap(err)
		}
		buf.Write(enc)

	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i != 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i != 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return xe.Wrap(err)
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return xe.New(fmt.Sprintf("unexpected JSON value of type %T", v))
	}
	return nil
}
