package signature

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// Canonicalize produces the exact byte sequence a creator signs over: sorted
// keys, LF line endings, UTF-8, excluding the signature field itself
// (spec §4.3 "Legacy"). It is deterministic regardless of map iteration
// order or the original field insertion order.
func Canonicalize(rec oiptypes.Record) []byte {
	var b strings.Builder

	// rec.DID is deliberately excluded: for Arweave it is derived from the
	// transaction id only after the signed payload is submitted, so a
	// signer can never have included it (spec §3.1 "message is the
	// canonicalized record payload... excluding the signature field").
	writeLine(&b, "_backend", string(rec.OIP.Backend))
	writeLine(&b, "_creator_did", rec.OIP.CreatorDID)
	writeLine(&b, "_encrypted", fmt.Sprintf("%t", rec.OIP.Encrypted))
	if rec.OIP.BlockHeight != nil {
		writeLine(&b, "_block_height", fmt.Sprintf("%d", *rec.OIP.BlockHeight))
	}
	if rec.OIP.VerificationMethodID != "" {
		writeLine(&b, "_vm_id", rec.OIP.VerificationMethodID)
	}

	templateNames := make([]string, 0, len(rec.Data))
	for t := range rec.Data {
		templateNames = append(templateNames, t)
	}
	sort.Strings(templateNames)

	for _, tname := range templateNames {
		fields := rec.Data[tname]
		fieldNames := make([]string, 0, len(fields))
		for f := range fields {
			fieldNames = append(fieldNames, f)
		}
		sort.Strings(fieldNames)
		for _, fname := range fieldNames {
			writeLine(&b, tname+"."+fname, canonicalValue(fields[fname]))
		}
	}

	return []byte(b.String())
}

func writeLine(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}

// canonicalValue renders a field value to a stable string: scalars via
// fmt.Sprintf, composite values via json.Marshal (Go's encoding/json sorts
// map keys, giving us determinism for free on nested structures).
func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
