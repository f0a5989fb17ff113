package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// templatesIndex holds the registry's durable copy of every template
// definition this node has observed, the "one index for... templates" half
// of spec §6's durable-state inventory. It satisfies oiptemplate.Store so
// the Template Registry (C1) survives a process restart without replaying
// the entire Arweave chain first.
const templatesIndex = "oip-templates"

// SaveTemplate upserts tmpl's definition, keyed by its template id.
func (p *Projector) SaveTemplate(ctx context.Context, tmpl oiptypes.Template) error {
	buf, err := json.Marshal(tmpl)
	if err != nil {
		return err
	}
	res, err := p.es.Index(templatesIndex, bytes.NewReader(buf),
		p.es.Index.WithContext(ctx),
		p.es.Index.WithDocumentID(tmpl.TemplateID),
	)
	if err != nil {
		return fmt.Errorf("projection: save template %s: %w", tmpl.TemplateID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("projection: save template %s: %s", tmpl.TemplateID, res.String())
	}
	return nil
}

// LoadTemplates returns every template definition persisted so far, used by
// oiptemplate.Registry.LoadFromStore at startup.
func (p *Projector) LoadTemplates(ctx context.Context) ([]oiptypes.Template, error) {
	body := map[string]interface{}{"query": map[string]interface{}{"match_all": map[string]interface{}{}}}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := p.es.Search(
		p.es.Search.WithContext(ctx),
		p.es.Search.WithIndex(templatesIndex),
		p.es.Search.WithBody(bytes.NewReader(buf)),
		p.es.Search.WithSize(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("projection: load templates: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 404 {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("projection: load templates: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source oiptypes.Template `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("projection: decode templates: %w", err)
	}
	out := make([]oiptypes.Template, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
