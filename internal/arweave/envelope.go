package arweave

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/signature"
)

// envelopeType enumerates the "type" tag an Arweave OIP transaction carries
// (spec §4.6 step 3c/d/e).
const (
	typeTemplate      = "Template"
	typeRecord        = "Record"
	typeDeleteMessage = "deleteMessage"
)

// rawTemplatePayload mirrors a Template transaction's JSON body.
type rawTemplatePayload struct {
	Name   string               `json:"name"`
	Fields []oiptypes.FieldDef  `json:"fields"`
}

// rawRecordPayload mirrors a Record transaction's JSON body: one compressed
// tuple per template the record instantiates, plus the provenance envelope.
type rawRecordPayload struct {
	Tuples           []codec.CompressedTuple `json:"t"`
	CreatorDID       string                  `json:"creator_did"`
	CreatorSignature string                  `json:"creator_sig"`
	VMID             string                  `json:"vm_id,omitempty"`
}

// rawDeletePayload mirrors a deleteMessage transaction's JSON body
// (spec §3.1 "Deletion Entry... on Arweave as a record of type deleteMessage
// carrying {delete:{did}}").
type rawDeletePayload struct {
	Delete struct {
		DID string `json:"did"`
	} `json:"delete"`
	DeletedBy string `json:"deleted_by_public_key"`
}

// parsedEnvelope is one fully-parsed transaction, ready for dispatch.
type parsedEnvelope struct {
	kind        string
	blockHeight int64
	template    oiptypes.Template
	record      rawRecordPayload
	deletion    oiptypes.DeletionEntry
}

// parseEnvelope decodes tx's tags and payload, despacing the creator
// signature tag the way some gateways re-wrap base64 with line breaks
// (spec §4.6 step 3b).
func parseEnvelope(tx Tx, payload []byte) (parsedEnvelope, error) {
	kind := tx.Tags["type"]
	out := parsedEnvelope{kind: kind, blockHeight: tx.BlockHeight}

	switch kind {
	case typeTemplate:
		var p rawTemplatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return out, fmt.Errorf("arweave: decode template payload for %s: %w", tx.ID, err)
		}
		out.template = oiptypes.Template{TemplateID: tx.ID, Name: p.Name, Fields: p.Fields}
	case typeRecord:
		var p rawRecordPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return out, fmt.Errorf("arweave: decode record payload for %s: %w", tx.ID, err)
		}
		p.CreatorSignature = signature.DespaceBase64(p.CreatorSignature)
		out.record = p
	case typeDeleteMessage:
		var p rawDeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return out, fmt.Errorf("arweave: decode delete payload for %s: %w", tx.ID, err)
		}
		out.deletion = oiptypes.DeletionEntry{
			DID:       p.Delete.DID,
			DeletedBy: p.DeletedBy,
			Backend:   oiptypes.BackendArweave,
		}
	default:
		return out, fmt.Errorf("arweave: tx %s has unrecognized type tag %q", tx.ID, kind)
	}
	return out, nil
}

// recordDID mints this record's DID from its Arweave transaction id, the
// locator every Arweave-backed DID is anchored to (spec §3.1 entity "Record",
// "did:<backend>:<locator>[:<local-id>]").
func recordDID(txID string) string {
	return "did:arweave:" + txID
}

func blockHeightPtr(h int64) *int64 {
	v := h
	return &v
}

func parseHeightTag(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
