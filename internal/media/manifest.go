// Package media implements the Media Distribution Manifest (C9): computing
// a content address for an asset, accepting distribution hints the external
// uploader backends (IPFS, BitTorrent, Arweave, HTTP mirror) produce, and
// binding the resulting manifest into the owning record under the
// media/associatedUrlOnWeb/bittorrentAddress template fields spec §4.9
// names.
//
// No transcoding or upload orchestration belongs here — the core's job ends
// at "store the hints verbatim" (spec §4.9).
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/oipwg/oipd/internal/oiptypes"
)

// ErrNoHints is returned by BindManifest when a manifest carries no
// distribution hints at all — a media record with nowhere to fetch its
// bytes from is not indexable.
var ErrNoHints = fmt.Errorf("media: manifest has no distribution hints")

// ContentHash returns the manifest's content address: the SHA-256 digest of
// the asset's bytes, hex-encoded (spec §4.9 "computes a content hash (SHA-256
// of the bytes)").
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewManifest builds a Manifest for an asset of the given size and MIME
// type, identified by its content hash. Hints are filled in separately as
// each backend reports (AddHint), since different backends complete their
// upload asynchronously and on different timelines.
func NewManifest(contentHash string, size int64, mime string) oiptypes.Manifest {
	return oiptypes.Manifest{ContentHash: contentHash, Size: size, Mime: mime}
}

// HintProducer is the contract every external uploader backend must satisfy
// (spec §4.9 "given bytes and a target backend, return {locator, kind}").
type HintProducer interface {
	Kind() string
	Upload(data []byte, contentHash string) (locator string, err error)
}

// AddHint appends hint to m's hint list, producing a new Manifest value
// (manifests are small and assembled incrementally as uploaders complete, so
// this is value-semantics rather than a mutating method).
func AddHint(m oiptypes.Manifest, hint oiptypes.DistributionHint) oiptypes.Manifest {
	m.Hints = append(m.Hints, hint)
	return m
}

// BindManifest embeds m into a record's semantic data under the "media"
// template (spec §4.9 "The manifest is embedded in the owning record under a
// well-known template"), returning the field map ready to merge into
// Record.Data["media"].
func BindManifest(m oiptypes.Manifest) (map[string]interface{}, error) {
	if len(m.Hints) == 0 {
		return nil, ErrNoHints
	}
	hints := make([]interface{}, 0, len(m.Hints))
	for _, h := range m.Hints {
		hints = append(hints, map[string]interface{}{"kind": h.Kind, "locator": h.Locator})
	}
	return map[string]interface{}{
		"contentHash": m.ContentHash,
		"size":        m.Size,
		"mime":        m.Mime,
		"hints":       hints,
	}, nil
}

// LocatorFor returns the first hint locator of the given kind bound to m, so
// a caller can pick a fetchable URL for e.g. associatedUrlOnWeb without
// knowing the hint encoding. Nothing in the HTTP surface calls it.
func LocatorFor(m oiptypes.Manifest, kind string) (string, bool) {
	for _, h := range m.Hints {
		if h.Kind == kind {
			return h.Locator, true
		}
	}
	return "", false
}
