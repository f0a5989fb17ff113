// Package resolver implements the Reference Resolver (C4): expanding dref
// fields into nested records up to a depth bound, with cycle detection, an
// LRU+TTL cache for resolved records, and 404/permanent-failure memoization
// so retry storms against missing or bad records never happen twice.
//
// The depth-bounded, cycle-safe walk is grounded on the teacher's graph
// repository (db/repository/neo4j.go's WouldCreateCycle/GetAllDependencies),
// adapted from a Neo4j Cypher traversal to an in-memory DID-indexed arena
// since records live in Elasticsearch, not a graph store.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/internal/cache"
	"github.com/oipwg/oipd/internal/oiptypes"
)

// ErrNotFound is returned by a Fetcher when a referenced DID does not exist.
// It short-circuits the retry loop and is memoized in the 404 cache.
var ErrNotFound = errors.New("resolver: referenced record not found")

// ErrPermanent marks a fetch failure that will never succeed on retry
// (signature verification failure, malformed record). Wrap it with %w from a
// Fetcher to route the failure into the permanently-failed set.
var ErrPermanent = errors.New("resolver: permanent fetch failure")

// Fetcher retrieves one record by DID, trying the local index first and
// falling back to the owning backend (C6/C7) on a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, did string) (oiptypes.Record, error)
}

// TemplateLookup resolves a template name to its field definitions, so the
// resolver knows which fields of a decompressed record are dref-typed.
type TemplateLookup func(name string) (oiptypes.Template, bool)

// Config tunes the resolver's retry and cache behavior. Defaults match
// spec §4.4's fixed retry policy.
type Config struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffFactor   float64
	CacheSize       int
	CacheTTL        time.Duration
	FailureSetSize  int
}

// DefaultConfig returns the protocol's fixed retry policy: two retries at
// 200ms then 400ms.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		BackoffFactor:  2.0,
		CacheSize:      50000,
		CacheTTL:       10 * time.Minute,
		FailureSetSize: 50000,
	}
}

// Resolver expands dref fields into nested record data.
type Resolver struct {
	fetch    Fetcher
	lookup   TemplateLookup
	cfg      Config
	recCache *cache.TTLCache[oiptypes.Record]
	notFound *cache.NotFoundCache
	failed   *cache.PermanentFailureSet
	log      *logrus.Entry
	sleep    func(time.Duration)
}

// New builds a Resolver. fetch resolves one DID to a record (local index,
// falling back to the backend); lookup resolves a template by name so the
// resolver can identify dref fields.
func New(fetch Fetcher, lookup TemplateLookup, cfg Config, log *logrus.Entry) (*Resolver, error) {
	recCache, err := cache.NewTTLCache[oiptypes.Record](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	notFound, err := cache.NewNotFoundCache()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		fetch:    fetch,
		lookup:   lookup,
		cfg:      cfg,
		recCache: recCache,
		notFound: notFound,
		failed:   cache.NewPermanentFailureSet(cfg.FailureSetSize),
		log:      log,
		sleep:    time.Sleep,
	}, nil
}

// Resolve expands root's dref fields to depth d, returning the semantic data
// map with dref values replaced by expanded nested maps where resolution
// succeeded, and left as the bare DID string otherwise (depth exhausted,
// cycle, not-found, or permanent failure).
func (r *Resolver) Resolve(ctx context.Context, root oiptypes.Record, d int) map[string]map[string]interface{} {
	visited := map[string]bool{root.DID: true}
	return r.expand(ctx, root, d, visited)
}

func (r *Resolver) expand(ctx context.Context, rec oiptypes.Record, d int, visited map[string]bool) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(rec.Data))
	for tname, fields := range rec.Data {
		tmpl, ok := r.lookup(tname)
		if !ok {
			out[tname] = fields
			continue
		}
		outFields := make(map[string]interface{}, len(fields))
		for fname, val := range fields {
			fd, ok := tmpl.FieldIndex(fname)
			if !ok {
				outFields[fname] = val
				continue
			}
			outFields[fname] = r.expandField(ctx, fd, val, d, visited)
		}
		out[tname] = outFields
	}
	return out
}

// expandField resolves a single field's value, recursing through dref and
// repeated<dref> fields; every other field type passes through unchanged.
func (r *Resolver) expandField(ctx context.Context, fd oiptypes.FieldDef, val interface{}, d int, visited map[string]bool) interface{} {
	switch {
	case fd.Type == oiptypes.FieldDref:
		did, ok := val.(string)
		if !ok {
			return val
		}
		return r.resolveOne(ctx, did, d, visited)
	case fd.Type == oiptypes.FieldRepeated && fd.Elem == oiptypes.FieldDref:
		items, ok := val.([]interface{})
		if !ok {
			return val
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			did, ok := item.(string)
			if !ok {
				out[i] = item
				continue
			}
			out[i] = r.resolveOne(ctx, did, d, visited)
		}
		return out
	default:
		return val
	}
}

// resolveOne resolves a single dref target. It returns the bare DID string
// (I5: never exceed the depth budget; cycles terminate at the bound without
// error) when depth is exhausted, the DID has already been visited in this
// resolution, or the fetch did not succeed; otherwise it returns the nested
// expanded record data alongside the original reference.
func (r *Resolver) resolveOne(ctx context.Context, did string, d int, visited map[string]bool) interface{} {
	if d <= 0 || visited[did] {
		return did
	}

	rec, ok := r.fetchWithPolicy(ctx, did)
	if !ok {
		return did
	}

	childVisited := make(map[string]bool, len(visited)+1)
	for k := range visited {
		childVisited[k] = true
	}
	childVisited[did] = true

	return map[string]interface{}{
		"_ref":  did,
		"_data": r.expand(ctx, rec, d-1, childVisited),
	}
}

// fetchWithPolicy applies the cache, 404 memoization, permanent-failure
// memoization, and bounded exponential backoff from spec §4.4.
func (r *Resolver) fetchWithPolicy(ctx context.Context, did string) (oiptypes.Record, bool) {
	if rec, ok := r.recCache.Get(did); ok {
		return rec, true
	}
	if r.notFound.IsMarked(did) {
		return oiptypes.Record{}, false
	}
	if _, failedBefore := r.failed.Reason(did); failedBefore {
		return oiptypes.Record{}, false
	}

	delay := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		rec, err := r.fetch.Fetch(ctx, did)
		if err == nil {
			r.recCache.Set(did, rec)
			return rec, true
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) {
			r.notFound.Mark(did)
			return oiptypes.Record{}, false
		}
		if errors.Is(err, ErrPermanent) {
			r.failed.Mark(did, err)
			r.log.WithField("did", did).WithError(err).Warn("reference resolution failed permanently")
			return oiptypes.Record{}, false
		}

		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return oiptypes.Record{}, false
		default:
		}
		r.sleep(delay)
		delay = time.Duration(float64(delay) * r.cfg.BackoffFactor)
	}

	r.log.WithField("did", did).WithError(lastErr).Warn("reference resolution exhausted retries")
	return oiptypes.Record{}, false
}
