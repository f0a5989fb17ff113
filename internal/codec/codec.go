// Package codec implements the OIP wire codec (C2): the round trip between
// semantic records (named fields, human-readable values) and the compressed,
// index-keyed tuples that actually travel on Arweave and GUN. The shape
// mirrors eve.evalgo.org/db's JSON-LD transform helpers (expand semantic
// documents to/from a compact wire form) but is parameterized by Template
// instead of a fixed schema.org context.
package codec

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// Sentinel errors matching the taxonomy in spec.md §7.
var (
	ErrUnknownField     = errors.New("codec: unknown field")
	ErrUnknownEnumValue = errors.New("codec: unknown enum value")
)

// templateIDKey is the reserved tuple key carrying which template a
// compressed blob was encoded against (spec §4.2 `"t": template_id`).
const templateIDKey = "t"

// CompressedTuple is the on-wire shape for one template's worth of a record:
// field-index (stringified, since JSON object keys are strings) to encoded
// value, plus the reserved "t" key.
type CompressedTuple map[string]interface{}

// Compress converts a semantic field map ({fieldName: value}) for template t
// into its index-keyed wire tuple (spec §4.2 "Compression").
func Compress(t oiptypes.Template, semantic map[string]interface{}) (CompressedTuple, error) {
	out := make(CompressedTuple, len(semantic)+1)
	for fname, val := range semantic {
		fd, ok := t.FieldIndex(fname)
		if !ok {
			return nil, fmt.Errorf("%w: %q not declared on template %q", ErrUnknownField, fname, t.Name)
		}
		enc, err := encodeValue(fd, val)
		if err != nil {
			return nil, err
		}
		out[strconv.Itoa(fd.Index)] = enc
	}
	out[templateIDKey] = t.TemplateID
	return out, nil
}

func encodeValue(fd oiptypes.FieldDef, val interface{}) (interface{}, error) {
	switch fd.Type {
	case oiptypes.FieldEnum:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%w: enum field %q requires a string value", ErrUnknownEnumValue, fd.Name)
		}
		for i, v := range fd.Values {
			if v == s {
				return i, nil
			}
		}
		return nil, fmt.Errorf("%w: %q not a member of %q's enum", ErrUnknownEnumValue, s, fd.Name)

	case oiptypes.FieldRepeated:
		items, ok := val.([]interface{})
		if !ok {
			return nil, fmt.Errorf("codec: repeated field %q requires a list value", fd.Name)
		}
		elemFD := oiptypes.FieldDef{Name: fd.Name, Type: fd.Elem, Values: fd.Values}
		encoded := make([]interface{}, 0, len(items))
		for _, it := range items {
			e, err := encodeValue(elemFD, it)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, e)
		}
		return encoded, nil

	case oiptypes.FieldDref:
		switch v := val.(type) {
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("codec: dref field %q requires a DID string", fd.Name)
		}

	case oiptypes.FieldBool:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("codec: bool field %q requires a bool value", fd.Name)
		}
		if b {
			return 1, nil
		}
		return 0, nil

	default:
		// string, long, uint64, float pass through as-is: JSON already
		// picks the minimum-width numeric representation that preserves
		// the value, matching spec §4.2's "minimum-width representation".
		return val, nil
	}
}

// Decompress is the inverse of Compress. Fields present in the tuple but
// absent from the local template definition are tolerated and surfaced as
// "_unknownField_<index>" with their raw value, so older nodes can still
// index newer records (spec §4.2 "Decompression").
func Decompress(t oiptypes.Template, tuple CompressedTuple) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(tuple))
	for key, raw := range tuple {
		if key == templateIDKey {
			continue
		}
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("codec: non-numeric field index %q", key)
		}
		fd, ok := t.FieldByIndex(idx)
		if !ok {
			out[fmt.Sprintf("_unknownField_%d", idx)] = raw
			continue
		}
		val, err := decodeValue(fd, raw)
		if err != nil {
			return nil, err
		}
		out[fd.Name] = val
	}
	return out, nil
}

func decodeValue(fd oiptypes.FieldDef, raw interface{}) (interface{}, error) {
	switch fd.Type {
	case oiptypes.FieldEnum:
		idx, err := toInt(raw)
		if err != nil {
			return nil, fmt.Errorf("codec: enum field %q: %w", fd.Name, err)
		}
		if idx < 0 || idx >= len(fd.Values) {
			return nil, fmt.Errorf("%w: index %d out of range for %q", ErrUnknownEnumValue, idx, fd.Name)
		}
		return fd.Values[idx], nil

	case oiptypes.FieldRepeated:
		items, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("codec: repeated field %q: malformed sequence", fd.Name)
		}
		elemFD := oiptypes.FieldDef{Name: fd.Name, Type: fd.Elem, Values: fd.Values}
		decoded := make([]interface{}, 0, len(items))
		for _, it := range items {
			d, err := decodeValue(elemFD, it)
			if err != nil {
				return nil, err
			}
			decoded = append(decoded, d)
		}
		return decoded, nil

	case oiptypes.FieldBool:
		// Booleans as 0/1 are accepted on decode (spec §4.2); so is a
		// literal JSON bool, for tolerance with hand-written test fixtures.
		switch v := raw.(type) {
		case bool:
			return v, nil
		default:
			i, err := toInt(raw)
			if err != nil {
				return nil, fmt.Errorf("codec: bool field %q: %w", fd.Name, err)
			}
			return i != 0, nil
		}

	default:
		return raw, nil
	}
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", v)
	}
}

// DecompressRecord rebuilds a full semantic Record.Data map from the wire
// tuples carried in rawTuples (one tuple per template the record instantiates),
// resolving each tuple's "t" key against the registry-supplied lookup.
func DecompressRecord(lookup func(templateID string) (oiptypes.Template, bool), rawTuples []CompressedTuple) (map[string]map[string]interface{}, error) {
	out := make(map[string]map[string]interface{}, len(rawTuples))
	for _, tuple := range rawTuples {
		tid, _ := tuple[templateIDKey].(string)
		tmpl, ok := lookup(tid)
		if !ok {
			return nil, fmt.Errorf("codec: template %q not registered", tid)
		}
		fields, err := Decompress(tmpl, tuple)
		if err != nil {
			return nil, err
		}
		out[tmpl.Name] = fields
	}
	return out, nil
}
