// Package oiptemplate implements the Template Registry (C1): the single
// source of truth for which schemas the node currently knows about, keyed
// both by name and by id. It follows the single-writer / many-reader shape
// eve.evalgo.org/statemanager uses for its in-memory operation table: a
// sync.RWMutex-guarded map rebuilt at startup and mutated only through one
// entry point.
package oiptemplate

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// MappingPublisher is the subset of the Elasticsearch Projection (C5) the
// registry depends on: it must learn about new/changed templates so it can
// keep index mappings in sync (spec §4.1 "publishes a mapping update to C5").
type MappingPublisher interface {
	ApplyTemplateMapping(ctx context.Context, tmpl oiptypes.Template) error
}

// Store persists templates to the backend of record (an Arweave publish, in
// production) so registrations survive process restarts.
type Store interface {
	SaveTemplate(ctx context.Context, tmpl oiptypes.Template) error
	LoadTemplates(ctx context.Context) ([]oiptypes.Template, error)
}

// Registry holds the active set of templates known to this node.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*oiptypes.Template
	byID      map[string]*oiptypes.Template
	refCounts map[string]int // template_id -> number of indexed records referencing it

	store    Store
	mappings MappingPublisher
	log      *logrus.Entry

	// pending holds records observed before their template arrived, so a
	// sync loop can re-offer them once the template shows up (spec §4.1
	// "Failure modes: a record referencing an unknown template is placed in
	// a pending queue").
	pendingMu sync.Mutex
	pending   map[string][]PendingRecord
}

// PendingRecord is a record that could not be processed because its
// template was not yet registered.
type PendingRecord struct {
	Record       oiptypes.Record
	TemplateName string
}

// New creates an empty Registry. Call LoadFromStore to hydrate it at startup.
func New(store Store, mappings MappingPublisher, log *logrus.Entry) *Registry {
	return &Registry{
		byName:    make(map[string]*oiptypes.Template),
		byID:      make(map[string]*oiptypes.Template),
		refCounts: make(map[string]int),
		pending:   make(map[string][]PendingRecord),
		store:     store,
		mappings:  mappings,
		log:       log,
	}
}

// LoadFromStore rebuilds the in-memory maps from the backend at startup.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	tmpls, err := r.store.LoadTemplates(ctx)
	if err != nil {
		return fmt.Errorf("oiptemplate: load templates: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range tmpls {
		t := tmpls[i]
		r.byName[t.Name] = &t
		r.byID[t.TemplateID] = &t
	}
	return nil
}

// Register accepts a new schema and stores each field's Index exactly as
// given. It does not allocate field indices: an unset Index reads as 0, so
// callers set every field's index themselves. Register persists the template
// first, then applies its mapping, and only then makes it visible to lookups,
// so no record using this template is projected before its mapping exists
// (spec §4.5).
func (r *Registry) Register(ctx context.Context, tmpl oiptypes.Template) (string, error) {
	r.mu.Lock()
	if _, exists := r.byName[tmpl.Name]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("oiptemplate: template %q already registered", tmpl.Name)
	}
	r.mu.Unlock()

	if err := r.store.SaveTemplate(ctx, tmpl); err != nil {
		return "", fmt.Errorf("oiptemplate: persist template %q: %w", tmpl.Name, err)
	}
	if r.mappings != nil {
		if err := r.mappings.ApplyTemplateMapping(ctx, tmpl); err != nil {
			return "", fmt.Errorf("oiptemplate: apply mapping for %q: %w", tmpl.Name, err)
		}
	}

	r.mu.Lock()
	cp := tmpl
	r.byName[cp.Name] = &cp
	r.byID[cp.TemplateID] = &cp
	r.mu.Unlock()

	r.replayPending(ctx, tmpl.Name)
	if r.log != nil {
		r.log.WithField("template", tmpl.Name).WithField("template_id", tmpl.TemplateID).Info("template registered")
	}
	return tmpl.TemplateID, nil
}

// LookupByName performs a constant-time read against the in-memory map.
func (r *Registry) LookupByName(name string) (oiptypes.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return oiptypes.Template{}, false
	}
	return *t, true
}

// LookupByID performs a constant-time read against the in-memory map.
func (r *Registry) LookupByID(id string) (oiptypes.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return oiptypes.Template{}, false
	}
	return *t, true
}

// ActiveTemplates returns the full set of templates a sync loop may use to
// decide whether an incoming record is processable right now.
func (r *Registry) ActiveTemplates() []oiptypes.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]oiptypes.Template, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, *t)
	}
	return out
}

// Defer records that rec could not be processed because templateName is
// unknown. It will be handed back to caller via DrainPending once/if the
// template is later registered.
func (r *Registry) Defer(rec oiptypes.Record, templateName string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending[templateName] = append(r.pending[templateName], PendingRecord{Record: rec, TemplateName: templateName})
}

// replayPending logs how many records are waiting on templateName. It does
// not remove or reprocess them; they stay queued until a caller takes them
// with DrainPending, ideally in the same goroutine that calls Register, so a
// concurrent Defer is not missed.
func (r *Registry) replayPending(_ context.Context, templateName string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if n := len(r.pending[templateName]); n > 0 && r.log != nil {
		r.log.WithField("template", templateName).WithField("count", n).Info("replaying records deferred on template")
	}
}

// DrainPending removes and returns all records waiting on templateName.
func (r *Registry) DrainPending(templateName string) []PendingRecord {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	out := r.pending[templateName]
	delete(r.pending, templateName)
	return out
}

// IncRef/DecRef maintain the per-template reference count used by the
// unused-template cleanup procedure (SPEC_FULL §12.2).
func (r *Registry) IncRef(templateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refCounts[templateID]++
}

func (r *Registry) DecRef(templateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refCounts[templateID] > 0 {
		r.refCounts[templateID]--
	}
}

// GC marks every template with a zero reference count as unused. It does not
// remove the Elasticsearch mapping; that is a separate operator action
// (spec §3.1 "Templates are never deleted from the index unless no record
// references them" — GC only flags the candidates).
func (r *Registry) GC(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	var unused []string
	for id, t := range r.byID {
		if r.refCounts[id] == 0 && !t.Unused {
			t.Unused = true
			unused = append(unused, t.Name)
		}
	}
	r.mu.Unlock()

	for _, name := range unused {
		tmpl, _ := r.LookupByName(name)
		if err := r.store.SaveTemplate(ctx, tmpl); err != nil {
			return unused, fmt.Errorf("oiptemplate: persist unused flag for %q: %w", name, err)
		}
	}
	return unused, nil
}
