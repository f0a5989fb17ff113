// Package projection implements the Elasticsearch Projection (C5): turning
// template field types into index mappings, idempotently indexing decoded
// records keyed by DID, and serving the parameterized query surface the HTTP
// layer (C11) sits on top of.
//
// There is no Elasticsearch client anywhere in the example pack this module
// was grounded on; the storage shape (index-per-concern, idempotent upserts,
// structured query building) follows the teacher's CouchDB service
// (db/couchdb.go) translated onto github.com/elastic/go-elasticsearch/v8,
// since spec.md names Elasticsearch by product rather than leaving the
// store as an open architectural choice.
package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/internal/oiptypes"
)

// MaxMappedFields bounds the total number of leaf fields this projector will
// add across all templates before refusing further mapping updates, so one
// runaway template schema cannot blow out Elasticsearch's field-count limit
// for every other template sharing the index.
const MaxMappedFields = 4000

// ErrFieldBudgetExceeded is returned by ApplyTemplateMapping when registering
// a template's fields would push the index past MaxMappedFields.
var ErrFieldBudgetExceeded = errors.New("projection: template mapping would exceed the index field budget")

// Projector owns one Elasticsearch index holding every indexed record,
// regardless of originating backend or template.
type Projector struct {
	es    *elasticsearch.Client
	index string
	log   *logrus.Entry

	mu         sync.Mutex
	fieldCount int
}

// New builds a Projector against index, an already-constructed ES client.
func New(es *elasticsearch.Client, index string, log *logrus.Entry) *Projector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Projector{es: es, index: index, log: log}
}

// EnsureIndex creates the backing index with its base (non-template) mapping
// if it does not already exist.
func (p *Projector) EnsureIndex(ctx context.Context) error {
	existsRes, err := p.es.Indices.Exists([]string{p.index}, p.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	defer existsRes.Body.Close()
	if existsRes.StatusCode == 200 {
		return nil
	}

	body := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"did":          map[string]interface{}{"type": "keyword"},
				"record_types": map[string]interface{}{"type": "keyword"},
				"oip": map[string]interface{}{
					"properties": map[string]interface{}{
						"creator_did":  map[string]interface{}{"type": "keyword"},
						"backend":      map[string]interface{}{"type": "keyword"},
						"encrypted":    map[string]interface{}{"type": "boolean"},
						"block_height": map[string]interface{}{"type": "long"},
						"indexed_at":   map[string]interface{}{"type": "date"},
					},
				},
			},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := p.es.Indices.Create(p.index, p.es.Indices.Create.WithContext(ctx), p.es.Indices.Create.WithBody(bytes.NewReader(buf)))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index: %s", res.String())
	}
	return nil
}

// ApplyTemplateMapping adds t's fields to the index under
// data.<template-name>.<field-name> (spec §4.5 "apply mapping updates when a
// new template is registered").
func (p *Projector) ApplyTemplateMapping(ctx context.Context, t oiptypes.Template) error {
	props := make(map[string]interface{}, len(t.Fields))
	for _, fd := range t.Fields {
		props[fd.Name] = mappingForField(fd)
	}

	p.mu.Lock()
	if p.fieldCount+len(props) > MaxMappedFields {
		p.mu.Unlock()
		return fmt.Errorf("%w: template %q adds %d fields, budget is %d (currently %d used)",
			ErrFieldBudgetExceeded, t.Name, len(props), MaxMappedFields, p.fieldCount)
	}
	p.fieldCount += len(props)
	p.mu.Unlock()

	body := map[string]interface{}{
		"properties": map[string]interface{}{
			"data": map[string]interface{}{
				"properties": map[string]interface{}{
					t.Name: map[string]interface{}{"properties": props},
				},
			},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := p.es.Indices.PutMapping([]string{p.index}, bytes.NewReader(buf), p.es.Indices.PutMapping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("put mapping for template %q: %w", t.Name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("put mapping for template %q: %s", t.Name, res.String())
	}
	return nil
}

// mappingForField converts one field's declared type into the storage type
// spec §4.5 prescribes: string -> text with a keyword subfield, long/float/
// bool -> their direct counterparts, dref/enum -> keyword, repeated<T> ->
// T's mapping (Elasticsearch handles arrays of any mapped type natively).
func mappingForField(fd oiptypes.FieldDef) map[string]interface{} {
	switch fd.Type {
	case oiptypes.FieldString:
		return map[string]interface{}{
			"type":   "text",
			"fields": map[string]interface{}{"keyword": map[string]interface{}{"type": "keyword", "ignore_above": 256}},
		}
	case oiptypes.FieldLong:
		return map[string]interface{}{"type": "long"}
	case oiptypes.FieldUint64:
		return map[string]interface{}{"type": "unsigned_long"}
	case oiptypes.FieldFloat:
		return map[string]interface{}{"type": "double"}
	case oiptypes.FieldBool:
		return map[string]interface{}{"type": "boolean"}
	case oiptypes.FieldDref, oiptypes.FieldEnum:
		return map[string]interface{}{"type": "keyword"}
	case oiptypes.FieldRepeated:
		return mappingForField(oiptypes.FieldDef{Type: fd.Elem})
	default:
		return map[string]interface{}{"type": "keyword"}
	}
}

// docID derives the Elasticsearch document _id from a record's DID. DIDs are
// globally unique and stable, so indexing is naturally idempotent: a second
// IndexRecord call for the same DID overwrites rather than duplicates.
func docID(did string) string { return did }

// IndexRecord upserts rec's decompressed semantic data plus its oip envelope
// (spec §4.5 "store the decompressed semantic form plus an oip envelope").
func (p *Projector) IndexRecord(ctx context.Context, rec oiptypes.Record) error {
	recordTypes := make([]string, 0, len(rec.Data))
	for t := range rec.Data {
		recordTypes = append(recordTypes, t)
	}

	doc := map[string]interface{}{
		"did":          rec.DID,
		"record_types": recordTypes,
		"data":         rec.Data,
		"oip": map[string]interface{}{
			"creator_did":  rec.OIP.CreatorDID,
			"backend":      rec.OIP.Backend,
			"encrypted":    rec.OIP.Encrypted,
			"block_height": rec.OIP.BlockHeight,
			"indexed_at":   rec.OIP.IndexedAt,
		},
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.DID, err)
	}

	res, err := p.es.Index(p.index, bytes.NewReader(buf),
		p.es.Index.WithContext(ctx),
		p.es.Index.WithDocumentID(docID(rec.DID)),
	)
	if err != nil {
		return fmt.Errorf("index record %s: %w", rec.DID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index record %s: %s", rec.DID, res.String())
	}
	return nil
}

// DeleteRecord removes rec's document from the index. A missing document is
// not an error: the projection may never have observed it.
func (p *Projector) DeleteRecord(ctx context.Context, did string) error {
	res, err := p.es.Delete(p.index, docID(did), p.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delete record %s: %w", did, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("delete record %s: %s", did, res.String())
	}
	return nil
}

// QueryParams mirrors the filters spec §4.5 requires the query surface to
// support.
type QueryParams struct {
	RecordType      string
	Search          string
	CreatorDID      string
	Source          string // "arweave", "gun", or "all"
	SortBy          string
	Limit           int
	Offset          int
	DID             string
	BlockHeightFrom *int64
	BlockHeightTo   *int64
}

// QueryResult is one page of matching records plus the total match count, so
// callers can build an offset-based page cursor.
type QueryResult struct {
	Records []oiptypes.Record
	Total   int64
}

// Query runs a parameterized search against the index (spec §4.5 "provide
// parameterized query surface").
func (p *Projector) Query(ctx context.Context, params QueryParams) (QueryResult, error) {
	must := []map[string]interface{}{}

	if params.DID != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"did": params.DID}})
	}
	if params.RecordType != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"record_types": params.RecordType}})
	}
	if params.CreatorDID != "" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"oip.creator_did": params.CreatorDID}})
	}
	if params.Source != "" && params.Source != "all" {
		must = append(must, map[string]interface{}{"term": map[string]interface{}{"oip.backend": params.Source}})
	}
	if params.Search != "" {
		must = append(must, map[string]interface{}{"query_string": map[string]interface{}{"query": params.Search, "default_field": "data.*"}})
	}
	if params.BlockHeightFrom != nil || params.BlockHeightTo != nil {
		rng := map[string]interface{}{}
		if params.BlockHeightFrom != nil {
			rng["gte"] = *params.BlockHeightFrom
		}
		if params.BlockHeightTo != nil {
			rng["lte"] = *params.BlockHeightTo
		}
		must = append(must, map[string]interface{}{"range": map[string]interface{}{"oip.block_height": rng}})
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(must) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"must": must}}
	}

	body := map[string]interface{}{"query": query}
	if params.SortBy != "" {
		body["sort"] = []map[string]interface{}{{params.SortBy: map[string]interface{}{"order": "desc"}}}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return QueryResult{}, err
	}

	start := time.Now()
	res, err := p.es.Search(
		p.es.Search.WithContext(ctx),
		p.es.Search.WithIndex(p.index),
		p.es.Search.WithBody(bytes.NewReader(buf)),
		p.es.Search.WithSize(limit),
		p.es.Search.WithFrom(params.Offset),
		p.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return QueryResult{}, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return QueryResult{}, fmt.Errorf("search: %s", res.String())
	}

	result, err := decodeSearchResponse(res)
	p.log.WithFields(common.DatabaseFields("search", p.index, result.Total, time.Since(start))).Debug("query executed")
	return result, err
}

func decodeSearchResponse(res *esapi.Response) (QueryResult, error) {
	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return QueryResult{}, fmt.Errorf("decode search response: %w", err)
	}

	out := QueryResult{Total: parsed.Hits.Total.Value}
	for _, hit := range parsed.Hits.Hits {
		rec, err := recordFromSource(hit.Source)
		if err != nil {
			return QueryResult{}, err
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func recordFromSource(src json.RawMessage) (oiptypes.Record, error) {
	var doc struct {
		DID  string                            `json:"did"`
		Data map[string]map[string]interface{} `json:"data"`
		OIP  struct {
			CreatorDID  string          `json:"creator_did"`
			Backend     oiptypes.Backend `json:"backend"`
			Encrypted   bool            `json:"encrypted"`
			BlockHeight *int64          `json:"block_height"`
			IndexedAt   string          `json:"indexed_at"`
		} `json:"oip"`
	}
	if err := json.Unmarshal(src, &doc); err != nil {
		return oiptypes.Record{}, fmt.Errorf("decode source: %w", err)
	}
	return oiptypes.Record{
		DID:  doc.DID,
		Data: doc.Data,
		OIP: oiptypes.OIPEnvelope{
			CreatorDID:  doc.OIP.CreatorDID,
			Backend:     doc.OIP.Backend,
			Encrypted:   doc.OIP.Encrypted,
			BlockHeight: doc.OIP.BlockHeight,
		},
	}, nil
}
