package arweave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/oipwg/oipd/internal/cache"
	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/health"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/signature"
)

// healthComponent names this loop's entry in the shared health.Tracker
// (SPEC_FULL.md §12.6 "GET /health/arweave").
const healthComponent = "arweave"

// TemplateRegistry is the subset of C1 the sync loop needs: registering new
// templates observed on-chain and resolving a template id before decoding a
// record that instantiates it.
type TemplateRegistry interface {
	Register(ctx context.Context, tmpl oiptypes.Template) (string, error)
	LookupByID(id string) (oiptypes.Template, bool)
}

// Projection is the subset of C5 the sync loop writes to.
type Projection interface {
	IndexRecord(ctx context.Context, rec oiptypes.Record) error
	LookupCreator(ctx context.Context, creatorDID string) (oiptypes.CreatorDocument, bool, error)
	HighWaterMark(ctx context.Context) (int64, error)
	AdvanceHighWaterMark(ctx context.Context, height int64) error
}

// DeletionProcessor is the subset of C8 the sync loop dispatches deleteMessage
// transactions to.
type DeletionProcessor interface {
	Process(ctx context.Context, entry oiptypes.DeletionEntry) error
}

// pendingTx holds a Record transaction that could not be decompressed
// because it references a template this node has not yet observed
// (spec §4.6 step 3d "resolve referenced templates (defer if any missing)").
// Unlike oiptemplate.Registry's post-decompression pending queue (used once
// a record's templates are all known but its mapping may not be), this
// defers the record before decompression is even possible, so it is kept
// locally rather than forced into that queue's decompressed-Record shape.
type pendingTx struct {
	tx      Tx
	payload rawRecordPayload
}

// SyncLoop runs the Arweave Sync Loop (C6): polling a gateway for new
// OIP-tagged transactions above the persisted high-water block, fetching,
// parsing, verifying, and projecting each, advancing the high-water mark
// only once an entire block has been fully processed (spec §4.6 step 4).
type SyncLoop struct {
	gateway *GatewayClient
	heights *HeightCache
	proj    Projection
	tmpl    TemplateRegistry
	del     DeletionProcessor
	failed  *cache.PermanentFailureSet
	log     *logrus.Entry
	health  *health.Tracker

	concurrency int64
	interval    time.Duration

	mu      sync.Mutex
	pending map[string][]pendingTx // keyed by the missing template's id

	// bootstrap holds hardcoded payload fallbacks for bootstrap-critical
	// creator-registration transactions, used only when the gateway cannot
	// return them (spec §4.6 "Hardcoded fallbacks").
	bootstrap map[string][]byte
}

// Config tunes the sync loop's polling cadence and concurrency.
type Config struct {
	Interval    time.Duration
	Concurrency int64
}

// DefaultConfig returns a conservative polling interval and fetch
// concurrency suitable for a single node against a public gateway.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, Concurrency: 8}
}

// New builds a SyncLoop. bootstrap maps transaction id to a hardcoded raw
// payload used only when the gateway cannot return that transaction's data.
func New(gateway *GatewayClient, heights *HeightCache, proj Projection, tmpl TemplateRegistry, del DeletionProcessor, failed *cache.PermanentFailureSet, bootstrap map[string][]byte, cfg Config, log *logrus.Entry) *SyncLoop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &SyncLoop{
		gateway:     gateway,
		heights:     heights,
		proj:        proj,
		tmpl:        tmpl,
		del:         del,
		failed:      failed,
		log:         log,
		concurrency: cfg.Concurrency,
		interval:    cfg.Interval,
		pending:     make(map[string][]pendingTx),
		bootstrap:   bootstrap,
	}
}

// WithHealth attaches a shared health.Tracker the loop reports its cycle
// outcome into. Optional: a SyncLoop with no tracker still runs normally.
func (s *SyncLoop) WithHealth(t *health.Tracker) *SyncLoop {
	s.health = t
	return s
}

// Run executes the sync loop on its configured interval until ctx is
// cancelled, grounded on the teacher's coordinator reconnect-loop shape
// (poll, handle errors without terminating the loop, sleep, repeat).
func (s *SyncLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Warn("arweave sync cycle failed")
			if s.health != nil {
				s.health.RecordFailure(healthComponent, err)
			}
		} else if s.health != nil {
			s.health.RecordSuccess(healthComponent)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single poll-fetch-dispatch cycle (spec §4.6's
// numbered procedure).
func (s *SyncLoop) RunOnce(ctx context.Context) error {
	hLocal, err := s.proj.HighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("arweave: read high-water mark: %w", err)
	}

	txs, err := s.gateway.TransactionsSince(ctx, hLocal)
	if err != nil {
		s.log.WithError(err).Warn("gateway unreachable, serving cached chain tip")
		s.heights.GetOrWarn(ctx)
		return nil
	}
	if len(txs) == 0 {
		if h, err := s.gateway.Height(ctx); err == nil {
			_ = s.heights.Set(ctx, h)
		}
		return nil
	}

	byHeight := groupByHeight(txs)
	heights := make([]int64, 0, len(byHeight))
	for h := range byHeight {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	for _, h := range heights {
		complete := s.processBlock(ctx, byHeight[h])
		if !complete {
			// A transient failure occurred somewhere in this block; stop
			// advancing so the next cycle re-observes it (spec §4.6 step 4).
			break
		}
		if err := s.proj.AdvanceHighWaterMark(ctx, h); err != nil {
			return fmt.Errorf("arweave: advance high-water mark to %d: %w", h, err)
		}
		_ = s.heights.Set(ctx, h)
	}
	return nil
}

// processBlock fetches and dispatches every transaction at one height
// concurrently, bounded by s.concurrency, and reports whether every
// transaction was fully processed (no transient failures).
func (s *SyncLoop) processBlock(ctx context.Context, txs []Tx) bool {
	sem := semaphore.NewWeighted(s.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	complete := true

	for _, tx := range txs {
		if s.failed != nil {
			if _, failed := s.failed.Reason(tx.ID); failed {
				continue
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		wg.Add(1)
		go func(tx Tx) {
			defer wg.Done()
			defer sem.Release(1)
			if err := s.processTx(ctx, tx); err != nil {
				if isTransient(err) {
					mu.Lock()
					complete = false
					mu.Unlock()
					s.log.WithField("tx", tx.ID).WithError(err).Debug("transient failure, will retry next cycle")
					return
				}
				s.failed.Mark(tx.ID, err)
				s.log.WithField("tx", tx.ID).WithError(err).Warn("transaction permanently failed")
			}
		}(tx)
	}
	wg.Wait()
	return complete
}

// transientErr wraps a failure that should not be memoized as permanent.
type transientErr struct{ err error }

func (t transientErr) Error() string { return t.err.Error() }
func (t transientErr) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t transientErr
	return errors.As(err, &t)
}

func (s *SyncLoop) processTx(ctx context.Context, tx Tx) error {
	payload, err := s.gateway.Payload(ctx, tx.ID)
	if err != nil {
		if fallback, ok := s.bootstrap[tx.ID]; ok {
			payload = fallback
		} else {
			return transientErr{fmt.Errorf("fetch payload: %w", err)}
		}
	}

	env, err := parseEnvelope(tx, payload)
	if err != nil {
		return err // malformed payload is permanent, not transient
	}

	switch env.kind {
	case typeTemplate:
		id, err := s.tmpl.Register(ctx, env.template)
		if err != nil {
			return err
		}
		s.replayPending(ctx, id)
		return nil
	case typeRecord:
		return s.processRecord(ctx, tx, env.record)
	case typeDeleteMessage:
		entry := env.deletion
		entry.DeletedAt = tx.timestamp()
		return s.del.Process(ctx, entry)
	default:
		return fmt.Errorf("arweave: tx %s: unhandled envelope kind %q", tx.ID, env.kind)
	}
}

func (s *SyncLoop) processRecord(ctx context.Context, tx Tx, payload rawRecordPayload) error {
	data, missing, err := s.decompress(payload)
	if err != nil {
		return err
	}
	if missing != "" {
		s.mu.Lock()
		s.pending[missing] = append(s.pending[missing], pendingTx{tx: tx, payload: payload})
		s.mu.Unlock()
		s.log.WithField("tx", tx.ID).WithField("template", missing).Debug("record deferred, template not yet known")
		return nil
	}

	rec := oiptypes.Record{
		DID:  recordDID(tx.ID),
		Data: data,
		OIP: oiptypes.OIPEnvelope{
			CreatorDID:       payload.CreatorDID,
			CreatorSignature: payload.CreatorSignature,
			Backend:          oiptypes.BackendArweave,
			BlockHeight:      blockHeightPtr(tx.BlockHeight),
			IndexedAt:        time.Now().UTC(),
			VerificationMethodID: payload.VMID,
		},
	}

	creator, found, err := s.proj.LookupCreator(ctx, payload.CreatorDID)
	if err != nil {
		return transientErr{fmt.Errorf("lookup creator %s: %w", payload.CreatorDID, err)}
	}
	if !found {
		return fmt.Errorf("arweave: tx %s: creator %s not registered", tx.ID, payload.CreatorDID)
	}
	result := signature.Verify(rec, creator)
	if !result.IsValid {
		return fmt.Errorf("arweave: tx %s: %w", tx.ID, result.Reason)
	}

	if err := s.proj.IndexRecord(ctx, rec); err != nil {
		return transientErr{fmt.Errorf("index record %s: %w", rec.DID, err)}
	}
	return nil
}

// decompress resolves every tuple's template and decodes it, returning the
// first missing template id (if any) so the caller can defer the whole
// record rather than index it partially (spec §4.6 step 3d).
func (s *SyncLoop) decompress(payload rawRecordPayload) (map[string]map[string]interface{}, string, error) {
	lookup := func(templateID string) (oiptypes.Template, bool) {
		return s.tmpl.LookupByID(templateID)
	}
	for _, tuple := range payload.Tuples {
		tid, _ := tuple["t"].(string)
		if _, ok := lookup(tid); !ok {
			return nil, tid, nil
		}
	}
	data, err := codec.DecompressRecord(lookup, payload.Tuples)
	if err != nil {
		return nil, "", err
	}
	return data, "", nil
}

func (s *SyncLoop) replayPending(ctx context.Context, templateID string) {
	s.mu.Lock()
	batch := s.pending[templateID]
	delete(s.pending, templateID)
	s.mu.Unlock()
	for _, p := range batch {
		if err := s.processRecord(ctx, p.tx, p.payload); err != nil {
			s.log.WithField("tx", p.tx.ID).WithError(err).Warn("deferred record failed on replay")
		}
	}
}

func groupByHeight(txs []Tx) map[int64][]Tx {
	out := make(map[int64][]Tx, len(txs))
	for _, tx := range txs {
		out[tx.BlockHeight] = append(out[tx.BlockHeight], tx)
	}
	return out
}

// timestamp derives a wall-clock time for a transaction from its tags if the
// gateway provided one, otherwise the time it was observed.
func (tx Tx) timestamp() time.Time {
	if raw, ok := tx.Tags["timestamp"]; ok {
		if sec, err := parseHeightTag(raw); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Now().UTC()
}
