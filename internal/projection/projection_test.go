package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// recordingTransport captures every request made through it and answers with
// a canned response, so the projector can be exercised without a live
// Elasticsearch cluster.
type recordingTransport struct {
	requests []*http.Request
	bodies   [][]byte
	response string
	status   int
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests = append(t.requests, req)
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	t.bodies = append(t.bodies, body)

	status := t.status
	if status == 0 {
		status = 200
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(t.response))),
		Header:     http.Header{"X-Elastic-Product": []string{"Elasticsearch"}},
	}, nil
}

func newTestProjector(t *testing.T, transport *recordingTransport) *Projector {
	t.Helper()
	client, err := elasticsearch.NewClient(elasticsearch.Config{Transport: transport})
	require.NoError(t, err)
	return New(client, "oip-records", nil)
}

func TestMappingForFieldTypes(t *testing.T) {
	assert.Equal(t, "long", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldLong})["type"])
	assert.Equal(t, "double", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldFloat})["type"])
	assert.Equal(t, "boolean", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldBool})["type"])
	assert.Equal(t, "keyword", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldDref})["type"])
	assert.Equal(t, "keyword", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldEnum})["type"])
	assert.Equal(t, "text", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldString})["type"])
	assert.Equal(t, "long", mappingForField(oiptypes.FieldDef{Type: oiptypes.FieldRepeated, Elem: oiptypes.FieldLong})["type"])
}

func TestApplyTemplateMappingExceedsBudget(t *testing.T) {
	transport := &recordingTransport{response: `{}`}
	p := newTestProjector(t, transport)
	p.fieldCount = MaxMappedFields - 1

	tmpl := oiptypes.Template{Name: "greeting", Fields: []oiptypes.FieldDef{
		{Name: "a", Type: oiptypes.FieldString},
		{Name: "b", Type: oiptypes.FieldString},
	}}
	err := p.ApplyTemplateMapping(context.Background(), tmpl)
	assert.ErrorIs(t, err, ErrFieldBudgetExceeded)
	assert.Empty(t, transport.requests, "no HTTP call should be made once the budget check fails")
}

func TestIndexRecordSendsExpectedDocument(t *testing.T) {
	transport := &recordingTransport{response: `{"result":"created"}`}
	p := newTestProjector(t, transport)

	rec := oiptypes.Record{
		DID:  "did:arweave:abc:1",
		Data: map[string]map[string]interface{}{"greeting": {"title": "hi"}},
		OIP: oiptypes.OIPEnvelope{
			CreatorDID: "did:arweave:creator",
			Backend:    oiptypes.BackendArweave,
		},
	}
	err := p.IndexRecord(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, transport.requests, 1)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(transport.bodies[0], &sent))
	assert.Equal(t, "did:arweave:abc:1", sent["did"])
	assert.Contains(t, transport.requests[0].URL.Path, "did:arweave:abc:1")
}

func TestQueryBuildsBoolFilters(t *testing.T) {
	transport := &recordingTransport{response: `{"hits":{"total":{"value":1},"hits":[{"_source":{"did":"did:arweave:x","data":{"greeting":{"title":"hi"}},"oip":{"creator_did":"did:arweave:creator","backend":"arweave"}}}]}}`}
	p := newTestProjector(t, transport)

	result, err := p.Query(context.Background(), QueryParams{RecordType: "greeting", CreatorDID: "did:arweave:creator", Limit: 5})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "did:arweave:x", result.Records[0].DID)
	assert.Equal(t, int64(1), result.Total)

	require.NotEmpty(t, transport.bodies)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(transport.bodies[len(transport.bodies)-1], &sent))
	assert.Contains(t, sent, "query")
}
