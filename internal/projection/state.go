package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// singletonIndex holds the small set of scalar documents spec.md §6 calls
// out as durable state beyond the records/templates/users indices: the
// current Arweave high-water mark is the only one the core currently needs.
const singletonIndex = "oip-state"

// highWaterDocID is the fixed document id the Arweave Sync Loop (C6) reads
// and advances every cycle (spec §4.6 "Advance H_local only after a block is
// fully processed").
const highWaterDocID = "arweave-high-water"

// HighWaterMark returns the persisted block height below which the Arweave
// Sync Loop has fully processed every transaction, or 0 if no block has been
// processed yet.
func (p *Projector) HighWaterMark(ctx context.Context) (int64, error) {
	res, err := p.es.Get(singletonIndex, highWaterDocID, p.es.Get.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("projection: get high-water mark: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("projection: get high-water mark: %s", res.String())
	}
	var parsed struct {
		Source struct {
			Height int64 `json:"height"`
		} `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("projection: decode high-water mark: %w", err)
	}
	return parsed.Source.Height, nil
}

// AdvanceHighWaterMark persists height as the new Arweave high-water mark.
// Callers (the sync loop) must only call this with a height that is not
// lower than the previously persisted one; this method does not itself
// enforce monotonicity (I7) because it has no view of the chain — it trusts
// the single-writer sync loop.
func (p *Projector) AdvanceHighWaterMark(ctx context.Context, height int64) error {
	buf, err := json.Marshal(map[string]interface{}{"height": height})
	if err != nil {
		return err
	}
	res, err := p.es.Index(singletonIndex, bytes.NewReader(buf),
		p.es.Index.WithContext(ctx),
		p.es.Index.WithDocumentID(highWaterDocID),
	)
	if err != nil {
		return fmt.Errorf("projection: advance high-water mark: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("projection: advance high-water mark: %s", res.String())
	}
	return nil
}

const deletionIndex = "oip-deletions"

// RecordDeletionEntry appends (idempotently, keyed by did+deleted_by) an
// intent to the network-visible deletion registry (C8, spec §3.1 "Deletion
// Entry"), regardless of whether it was authorized — unauthorized entries
// remain for audit (spec §4.8 step 4).
func (p *Projector) RecordDeletionEntry(ctx context.Context, entry oiptypes.DeletionEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	docID := entry.DID + "|" + entry.DeletedBy
	res, err := p.es.Index(deletionIndex, bytes.NewReader(buf),
		p.es.Index.WithContext(ctx),
		p.es.Index.WithDocumentID(docID),
	)
	if err != nil {
		return fmt.Errorf("projection: record deletion entry: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("projection: record deletion entry: %s", res.String())
	}
	return nil
}

// DeletionEntriesFor returns every deletion entry recorded against did,
// across both backends, so C8 can re-evaluate authorization each time a
// target materializes or a new entry arrives.
func (p *Projector) DeletionEntriesFor(ctx context.Context, did string) ([]oiptypes.DeletionEntry, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"did": did},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := p.es.Search(
		p.es.Search.WithContext(ctx),
		p.es.Search.WithIndex(deletionIndex),
		p.es.Search.WithBody(bytes.NewReader(buf)),
		p.es.Search.WithSize(1000),
	)
	if err != nil {
		return nil, fmt.Errorf("projection: query deletion entries: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("projection: query deletion entries: %s", res.String())
	}
	var parsed struct {
		Hits struct {
			Hits []struct {
				Source oiptypes.DeletionEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("projection: decode deletion entries: %w", err)
	}
	out := make([]oiptypes.DeletionEntry, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// GetRecord fetches one record by DID directly from the index, the "local
// index" half of the Reference Resolver's Fetcher contract (spec §4.4).
func (p *Projector) GetRecord(ctx context.Context, did string) (oiptypes.Record, bool, error) {
	res, err := p.es.Get(p.index, docID(did), p.es.Get.WithContext(ctx))
	if err != nil {
		return oiptypes.Record{}, false, fmt.Errorf("projection: get record %s: %w", did, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return oiptypes.Record{}, false, nil
	}
	if res.IsError() {
		return oiptypes.Record{}, false, fmt.Errorf("projection: get record %s: %s", did, res.String())
	}
	var parsed struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return oiptypes.Record{}, false, fmt.Errorf("projection: decode record %s: %w", did, err)
	}
	rec, err := recordFromSource(parsed.Source)
	if err != nil {
		return oiptypes.Record{}, false, err
	}
	return rec, true, nil
}
