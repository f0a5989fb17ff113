package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// usersIndex holds DID documents for every creator this node has observed a
// registration for (spec §6 "one index for records, one for templates, one
// for users"). Registration itself — HD-wallet derivation, the actual
// registration transaction — is an external collaborator's concern
// (spec.md §1 "the HD-wallet/registration routes (we describe the signature
// contract)"); this index only stores and serves whatever CreatorDocument a
// registration produced.
const usersIndex = "oip-users"

// SaveCreator upserts a creator's DID document, keyed by CreatorDID.
func (p *Projector) SaveCreator(ctx context.Context, doc oiptypes.CreatorDocument) error {
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := p.es.Index(usersIndex, bytes.NewReader(buf),
		p.es.Index.WithContext(ctx),
		p.es.Index.WithDocumentID(doc.CreatorDID),
	)
	if err != nil {
		return fmt.Errorf("projection: save creator %s: %w", doc.CreatorDID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("projection: save creator %s: %s", doc.CreatorDID, res.String())
	}
	return nil
}

// LookupCreator fetches the DID document for creatorDID, the lookup the
// Signature Engine (C3) needs before it can verify anything (spec §4.3
// "selected by inspection of the creator's registration record").
func (p *Projector) LookupCreator(ctx context.Context, creatorDID string) (oiptypes.CreatorDocument, bool, error) {
	res, err := p.es.Get(usersIndex, creatorDID, p.es.Get.WithContext(ctx))
	if err != nil {
		return oiptypes.CreatorDocument{}, false, fmt.Errorf("projection: get creator %s: %w", creatorDID, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return oiptypes.CreatorDocument{}, false, nil
	}
	if res.IsError() {
		return oiptypes.CreatorDocument{}, false, fmt.Errorf("projection: get creator %s: %s", creatorDID, res.String())
	}
	var parsed struct {
		Source oiptypes.CreatorDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return oiptypes.CreatorDocument{}, false, fmt.Errorf("projection: decode creator %s: %w", creatorDID, err)
	}
	return parsed.Source, true, nil
}
