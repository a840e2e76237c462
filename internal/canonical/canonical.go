// Package canonical produces byte-stable JSON for governance event
// envelopes. Object keys are emitted in sorted order, array order is kept,
// and numbers decoded with UseNumber keep their textual form, so one event
// always archives to the same bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

func Marshal(v interface{}) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	write(&buf, norm)
	return buf.Bytes(), nil
}

// normalize reduces v to the generic JSON value forms write understands:
// nil, bool, string, json.Number, float64, []interface{}, and
// map[string]interface{}. Anything else (structs, RawMessage, typed slices)
// is round-tripped through encoding/json with UseNumber.
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string, json.Number, float64:
		return val, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			norm, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for key, elem := range val {
			norm, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[key] = norm
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	return generic, nil
}

// write assumes a normalized value and therefore cannot fail.
func write(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case json.Number:
		buf.WriteString(val.String())
	case float64:
		writeEncoded(buf, val)
	case string:
		writeEncoded(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			write(buf, elem)
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeEncoded(buf, key)
			buf.WriteByte(':')
			write(buf, val[key])
		}
		buf.WriteByte('}')
	}
}

// writeEncoded delegates string escaping and float formatting to
// encoding/json so the output matches what a plain Marshal would emit for
// the same scalar.
func writeEncoded(buf *bytes.Buffer, v interface{}) {
	b, _ := json.Marshal(v)
	buf.Write(b)
}
