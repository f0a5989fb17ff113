package arweave

import (
	"context"
	"encoding/json"

	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/oiptypes"
)

// RecordPublication is the wire-independent shape the HTTP write path (C11)
// hands to the Arweave backend for a new record (spec §4.11 "backend put").
type RecordPublication struct {
	Tuples           []codec.CompressedTuple
	CreatorDID       string
	CreatorSignature string
	VMID             string
}

// PublishRecord submits pub as a new Record transaction and returns its
// minted DID (spec §3.1 "did:<backend>:<locator>").
func (g *GatewayClient) PublishRecord(ctx context.Context, pub RecordPublication) (string, error) {
	body := rawRecordPayload{
		Tuples:           pub.Tuples,
		CreatorDID:       pub.CreatorDID,
		CreatorSignature: pub.CreatorSignature,
		VMID:             pub.VMID,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	txID, err := g.Publish(ctx, map[string]string{"type": typeRecord}, buf)
	if err != nil {
		return "", err
	}
	return recordDID(txID), nil
}

// PublishTemplate submits t as a new Template transaction.
func (g *GatewayClient) PublishTemplate(ctx context.Context, t oiptypes.Template) (string, error) {
	body := rawTemplatePayload{Name: t.Name, Fields: t.Fields}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return g.Publish(ctx, map[string]string{"type": typeTemplate}, buf)
}

// PublishDeleteMessage submits a deleteMessage transaction for entry
// (spec §3.1 "on Arweave as a record of type deleteMessage").
func (g *GatewayClient) PublishDeleteMessage(ctx context.Context, entry oiptypes.DeletionEntry) (string, error) {
	body := rawDeletePayload{DeletedBy: entry.DeletedBy}
	body.Delete.DID = entry.DID
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return g.Publish(ctx, map[string]string{"type": typeDeleteMessage}, buf)
}
