package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/internal/arweave"
	"github.com/oipwg/oipd/internal/codec"
	"github.com/oipwg/oipd/internal/gunsync"
	"github.com/oipwg/oipd/internal/media"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
	"github.com/oipwg/oipd/internal/projection"
	"github.com/oipwg/oipd/internal/signature"
)

// apiError is the taxonomy-coded, stack-trace-free failure shape spec §7
// requires of the HTTP surface ("taxonomy code and a human-readable
// message; never include internal stack traces").
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, apiError{Code: code, Message: message})
}

// handleHealth backs GET /health/* (spec §6, SPEC_FULL.md §12.6): the
// wildcard segment names the component (es, gun, arweave); an empty segment
// reports every component this process tracks.
func (s *Server) handleHealth(c echo.Context) error {
	component := c.Param("*")
	if component == "" {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"es":      s.deps.Health.Get("es"),
			"gun":     s.deps.Health.Get("gun"),
			"arweave": s.deps.Health.Get("arweave"),
		})
	}
	status := s.deps.Health.Get(component)
	code := http.StatusOK
	if !status.Healthy() && status.LastSuccess.IsZero() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// recordView is the HTTP-facing rendering of a record: its semantic data
// (with dref fields resolved up to the caller's requested depth, original
// reference strings preserved per spec §4.4), provenance envelope, and DID.
type recordView struct {
	DID string                            `json:"did"`
	Data map[string]map[string]interface{} `json:"data"`
	OIP oiptypes.OIPEnvelope               `json:"oip"`
}

// handleListRecords backs GET /records (spec §4.11, §4.5's filter set).
func (s *Server) handleListRecords(c echo.Context) error {
	ctx := c.Request().Context()
	q := c.QueryParams()

	params := projection.QueryParams{
		RecordType: q.Get("recordType"),
		Search:     q.Get("search"),
		CreatorDID: q.Get("creator_did"),
		Source:     q.Get("source"),
		SortBy:     q.Get("sortBy"),
		DID:        q.Get("did"),
	}
	if lim := q.Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			params.Limit = n
		}
	}
	if off := q.Get("offset"); off != "" {
		if n, err := strconv.Atoi(off); err == nil {
			params.Offset = n
		}
	}
	if from := q.Get("block_height_from"); from != "" {
		if n, err := strconv.ParseInt(from, 10, 64); err == nil {
			params.BlockHeightFrom = &n
		}
	}
	if to := q.Get("block_height_to"); to != "" {
		if n, err := strconv.ParseInt(to, 10, 64); err == nil {
			params.BlockHeightTo = &n
		}
	}

	depth := 0
	if d := q.Get("resolveDepth"); d != "" {
		if n, err := strconv.Atoi(d); err == nil {
			depth = n
		}
	}
	if depth > s.deps.ResolveDepthMax {
		depth = s.deps.ResolveDepthMax
	}
	if depth < 0 {
		depth = 0
	}

	caller := callerFromContext(c)

	result, err := s.deps.Projector.Query(ctx, params)
	if err != nil {
		s.log.WithFields(common.ErrorFields(err, "list records query")).Error("list records query failed")
		return fail(c, http.StatusInternalServerError, "query_failed", "unable to query records")
	}

	views := make([]recordView, 0, len(result.Records))
	for _, rec := range result.Records {
		// spec §4.11 "If the caller is unauthenticated, private records are
		// filtered out" — generalized here to any caller lacking read
		// authorization, not only the unauthenticated case.
		if !ownership.CanRead(rec, caller.PublicKey, caller.Orgs) {
			continue
		}
		data := rec.Data
		if depth > 0 && s.deps.Resolver != nil {
			data = s.deps.Resolver.Resolve(ctx, rec, depth)
		}
		views = append(views, recordView{DID: rec.DID, Data: data, OIP: rec.OIP})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"records": views,
		"total":   result.Total,
		"cursor":  params.Offset + len(result.Records),
	})
}

// createRecordRequest is the POST /records body (spec §4.11). The template
// set is implicit in Data's keys; there is no separate template list.
type createRecordRequest struct {
	Data    map[string]map[string]interface{} `json:"data"`
	Storage string                             `json:"storage"` // "arweave" | "gun"
	Encrypt bool                               `json:"encrypt"`
}

// handleCreateRecord backs POST /records: C2 (compress) -> C3 (sign) ->
// backend put. It deliberately never calls Projector.IndexRecord — the sync
// loop is the only path that projects a record, keeping one source of truth
// (spec §4.11 "Does not project locally; awaits the sync loop").
func (s *Server) handleCreateRecord(c echo.Context) error {
	ctx := c.Request().Context()
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}
	if len(req.Data) == 0 {
		return fail(c, http.StatusBadRequest, "bad_request", "data must name at least one template")
	}
	if req.Storage != "arweave" && req.Storage != "gun" {
		return fail(c, http.StatusBadRequest, "bad_request", "storage must be \"arweave\" or \"gun\"")
	}

	tuples := make([]codec.CompressedTuple, 0, len(req.Data))
	for tname, fields := range req.Data {
		tmpl, ok := s.deps.Templates.LookupByName(tname)
		if !ok {
			return fail(c, http.StatusBadRequest, "template_missing", "unknown template: "+tname)
		}
		tuple, err := codec.Compress(tmpl, fields)
		if err != nil {
			return fail(c, http.StatusBadRequest, "decode_error", err.Error())
		}
		tuples = append(tuples, tuple)
	}

	caller := callerFromContext(c)
	creatorDID := s.deps.ServerCreatorDID
	ownerPublicKey := caller.PublicKey

	rec := oiptypes.Record{
		Data: req.Data,
		OIP: oiptypes.OIPEnvelope{
			CreatorDID: creatorDID,
			Encrypted:  req.Encrypt,
			IndexedAt:  time.Now().UTC(),
		},
	}
	if req.Storage == "arweave" {
		rec.OIP.Backend = oiptypes.BackendArweave
	} else {
		rec.OIP.Backend = oiptypes.BackendGun
	}
	sig := signature.Sign(rec, s.deps.ServerKey)

	switch req.Storage {
	case "arweave":
		did, err := s.deps.Arweave.PublishRecord(ctx, arweave.RecordPublication{
			Tuples:           tuples,
			CreatorDID:       creatorDID,
			CreatorSignature: sig,
		})
		if err != nil {
			s.log.WithFields(common.ErrorFields(err, "arweave publish")).Error("arweave publish failed")
			return fail(c, http.StatusServiceUnavailable, "transient", "unable to publish to arweave")
		}
		return c.JSON(http.StatusAccepted, map[string]string{"did": did})

	case "gun":
		if s.deps.Gun == nil || s.deps.GunHomePeer == "" {
			return fail(c, http.StatusServiceUnavailable, "transient", "no gun peer configured for writes")
		}
		if ownerPublicKey == "" {
			return fail(c, http.StatusUnauthorized, "authorization", "gun records require an authenticated owner")
		}
		did := gunsync.MintDID(ownerPublicKey)
		payload := gunsync.EncodePayload(gunsync.RecordPublication{
			Tuples:           tuples,
			CreatorDID:       creatorDID,
			CreatorSignature: sig,
			OwnerPublicKey:   ownerPublicKey,
		})
		if req.Encrypt {
			salt, ok := s.deps.saltLookup(ownerPublicKey)
			if !ok {
				return fail(c, http.StatusBadRequest, "bad_request", "no unlocked gun salt for this owner; re-authenticate")
			}
			var err error
			payload, err = gunsync.EncryptPayload(payload, ownerPublicKey, salt)
			if err != nil {
				s.log.WithFields(common.ErrorFields(err, "gun payload encryption")).Error("gun payload encryption failed")
				return fail(c, http.StatusInternalServerError, "encryption_failed", "unable to encrypt payload")
			}
		}
		if err := s.deps.Gun.Publish(ctx, s.deps.GunHomePeer, did, payload); err != nil {
			s.log.WithFields(common.ErrorFields(err, "gun publish")).Error("gun publish failed")
			return fail(c, http.StatusServiceUnavailable, "transient", "unable to publish to gun")
		}
		return c.JSON(http.StatusAccepted, map[string]string{"did": did})
	}
	return fail(c, http.StatusBadRequest, "bad_request", "unsupported storage backend")
}

// deleteRecordRequest is the POST /records/delete body (spec §4.11, §4.8).
type deleteRecordRequest struct {
	DID     string `json:"did"`
	Storage string `json:"storage"`
}

// handleDeleteRecord backs POST /records/delete: it performs the cheap local
// authorization check first (spec §4.11 "checking authorization locally
// first"), then publishes the deleteMessage to the named backend. The sync
// loop (C6/C7) feeding into C8 is what actually removes the record from the
// index; this handler's local check is advisory rejection only, to avoid
// round-tripping to a backend for a deletion the node already knows is
// unauthorized.
func (s *Server) handleDeleteRecord(c echo.Context) error {
	ctx := c.Request().Context()
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}
	if req.DID == "" {
		return fail(c, http.StatusBadRequest, "bad_request", "did is required")
	}
	caller := callerFromContext(c)
	if caller.PublicKey == "" {
		return fail(c, http.StatusUnauthorized, "authorization", "authentication required")
	}

	target, found, err := s.deps.Projector.GetRecord(ctx, req.DID)
	if err != nil {
		s.log.WithFields(common.ErrorFields(err, "lookup delete target")).Error("lookup target for delete failed")
		return fail(c, http.StatusInternalServerError, "query_failed", "unable to look up target record")
	}
	if found {
		deleter := ownership.DeleterIdentity{PublicKey: caller.PublicKey}
		if s.deps.EmailDomain != nil {
			if domain, ok := s.deps.EmailDomain(caller.PublicKey); ok {
				deleter.EmailDomain = domain
			}
		}
		granted, _ := ownership.Authorize(target, deleter, s.deps.Override, s.log)
		if !granted {
			// spec §4.8 step 4 / §7 "Authorization... logged, not applied,
			// not propagated further from this node" — here, not even
			// published, since the cheap check already knows it will fail.
			return fail(c, http.StatusForbidden, "authorization", "not authorized to delete this record")
		}
	}

	entry := oiptypes.DeletionEntry{DID: req.DID, DeletedBy: caller.PublicKey, DeletedAt: time.Now().UTC()}
	switch req.Storage {
	case "gun":
		entry.Backend = oiptypes.BackendGun
		if s.deps.Gun == nil || s.deps.GunHomePeer == "" {
			return fail(c, http.StatusServiceUnavailable, "transient", "no gun peer configured for writes")
		}
		if err := s.deps.Gun.PublishDeletion(ctx, s.deps.GunHomePeer, entry); err != nil {
			s.log.WithFields(common.ErrorFields(err, "gun delete publish")).Error("gun delete publish failed")
			return fail(c, http.StatusServiceUnavailable, "transient", "unable to publish deletion")
		}
	case "arweave":
		entry.Backend = oiptypes.BackendArweave
		if _, err := s.deps.Arweave.PublishDeleteMessage(ctx, entry); err != nil {
			s.log.WithFields(common.ErrorFields(err, "arweave delete publish")).Error("arweave delete publish failed")
			return fail(c, http.StatusServiceUnavailable, "transient", "unable to publish deletion")
		}
	default:
		return fail(c, http.StatusBadRequest, "bad_request", "storage must be \"arweave\" or \"gun\"")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"did": req.DID})
}

// handleUploadMedia backs POST /media (C9, spec §4.9): it uploads the
// posted asset through the configured HintProducer and returns the
// resulting media template fields, ready for the caller to merge into a
// subsequent POST /records body's "media" entry. It never touches a record
// directly — binding the manifest to a DID is the caller's job, same
// division of labor BindManifest documents.
func (s *Server) handleUploadMedia(c echo.Context) error {
	if s.deps.MediaProducer == nil {
		return fail(c, http.StatusServiceUnavailable, "transient", "no media uploader configured")
	}
	fh, err := c.FormFile("asset")
	if err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "multipart field \"asset\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "unable to read uploaded asset")
	}
	defer f.Close()
	data := make([]byte, fh.Size)
	if _, err := io.ReadFull(f, data); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "unable to read uploaded asset")
	}

	contentHash := media.ContentHash(data)
	locator, err := s.deps.MediaProducer.Upload(data, contentHash)
	if err != nil {
		s.log.WithFields(common.ErrorFields(err, "media upload")).Error("media upload failed")
		return fail(c, http.StatusServiceUnavailable, "transient", "unable to store asset")
	}

	mime := fh.Header.Get("Content-Type")
	manifest := media.NewManifest(contentHash, fh.Size, mime)
	manifest = media.AddHint(manifest, oiptypes.DistributionHint{Kind: s.deps.MediaProducer.Kind(), Locator: locator})
	fields, err := media.BindManifest(manifest)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "encoding_error", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"media": fields})
}

// createTemplateRequest is the POST /templates body (spec §4.1, §4.11).
type createTemplateRequest struct {
	Name   string              `json:"name"`
	Fields []oiptypes.FieldDef `json:"fields"`
}

// handleCreateTemplate backs POST /templates (C1).
func (s *Server) handleCreateTemplate(c echo.Context) error {
	ctx := c.Request().Context()
	var req createTemplateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}
	if req.Name == "" || len(req.Fields) == 0 {
		return fail(c, http.StatusBadRequest, "bad_request", "name and at least one field are required")
	}
	tmpl := oiptypes.Template{Name: req.Name, Fields: req.Fields}
	id, err := s.deps.Templates.Register(ctx, tmpl)
	if err != nil {
		return fail(c, http.StatusConflict, "bad_request", err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"template_id": id})
}
