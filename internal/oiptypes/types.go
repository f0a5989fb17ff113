// Package oiptypes defines the core data model of the Open Index Protocol:
// templates, records, creators, deletion entries, and storage manifests.
// Every other internal package builds on these shapes rather than redeclaring
// them, mirroring the way eve.evalgo.org/common centralizes the types shared
// by its CouchDB, RabbitMQ, and HTTP layers.
package oiptypes

import "time"

// Backend identifies which network a DID or record originates from.
type Backend string

const (
	BackendArweave Backend = "arweave"
	BackendGun     Backend = "gun"
)

// FieldType enumerates the scalar and composite field types a Template can
// declare for one of its fields (spec §3.1).
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldLong     FieldType = "long"
	FieldUint64   FieldType = "uint64"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldDref     FieldType = "dref"
	FieldEnum     FieldType = "enum"
	FieldRepeated FieldType = "repeated"
)

// FieldDef is one entry in a Template's ordered field list.
type FieldDef struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Index int       `json:"index"`

	// Elem is the element type for FieldRepeated ("repeated <T>").
	Elem FieldType `json:"elem,omitempty"`
	// Values holds the append-only list of accepted values for FieldEnum.
	Values []string `json:"values,omitempty"`
}

// Template is a reusable schema: a named, ordered set of fields. Field
// indices are dense starting at 0 and are immutable once published (I: field
// index, once published, never changes).
type Template struct {
	TemplateID string     `json:"template_id"`
	Name       string     `json:"name"`
	Fields     []FieldDef `json:"fields"`
	// Unused marks a template with no more referencing records, set only by
	// the cleanup procedure oiptemplate.Registry.GC, which the daemon runs on
	// a timer (spec §4.11).
	Unused bool `json:"unused,omitempty"`
}

// FieldIndex returns the field definition whose local name is fname.
func (t *Template) FieldIndex(fname string) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Name == fname {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldByIndex returns the field definition at the given wire index.
func (t *Template) FieldByIndex(idx int) (FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Index == idx {
			return f, true
		}
	}
	return FieldDef{}, false
}

// NextIndex returns the first unused dense field index, for allocating a new
// field on a template that is being registered without explicit indices.
func (t *Template) NextIndex() int {
	max := -1
	for _, f := range t.Fields {
		if f.Index > max {
			max = f.Index
		}
	}
	return max + 1
}

// OIPEnvelope carries the provenance and trust metadata that rides alongside
// every record's semantic data (spec §3.1, entity "Record").
type OIPEnvelope struct {
	CreatorDID       string    `json:"creator_did"`
	CreatorSignature string    `json:"creator_signature"`
	Backend          Backend   `json:"backend"`
	Encrypted        bool      `json:"encrypted"`
	BlockHeight      *int64    `json:"block_height,omitempty"`
	IndexedAt        time.Time `json:"indexed_at"`
	StorageManifest  *Manifest `json:"storage_manifest,omitempty"`

	// VerificationMethodID, when set, names which of the creator's v0.9 DID
	// document verification methods signed this record (spec §4.3).
	VerificationMethodID string `json:"vm_id,omitempty"`
}

// Record is an instance of one or more templates: the unit of indexing.
type Record struct {
	DID  string                            `json:"did"`
	Data map[string]map[string]interface{} `json:"data"`
	OIP  OIPEnvelope                       `json:"oip"`
}

// HeightOrOrdinal returns the record's block height for Arweave records, or
// falls back to IndexedAt's Unix nanoseconds as an absolute ordering index
// for GUN records, per spec §4.3 ("or an absolute ordering index for GUN").
func (r *Record) HeightOrOrdinal() int64 {
	if r.OIP.BlockHeight != nil {
		return *r.OIP.BlockHeight
	}
	return r.OIP.IndexedAt.UnixNano()
}

// LeafPolicy selects how a v0.9 verification method's leaf signing key is
// derived for a given record (spec §3.1, entity "Creator / DID Document").
type LeafPolicy string

const (
	LeafPolicyPayloadDigest LeafPolicy = "payload_digest"
	LeafPolicyFixed         LeafPolicy = "fixed"
)

// VerificationMethod is one entry in a v0.9 creator DID document.
type VerificationMethod struct {
	VMID             string     `json:"vm_id"`
	VMType           string     `json:"vm_type"`
	Xpub             string     `json:"xpub"`
	DerivationPrefix string     `json:"derivation_prefix"`
	LeafPolicy       LeafPolicy `json:"leaf_policy"`
	ValidFromBlock   int64      `json:"valid_from_block"`
	RevokedFromBlock *int64     `json:"revoked_from_block,omitempty"`
}

// ActiveAt reports whether this verification method may be used to verify a
// signature recorded at height h (I2: valid_from_block <= h < revoked_from_block).
func (vm VerificationMethod) ActiveAt(h int64) bool {
	if h < vm.ValidFromBlock {
		return false
	}
	if vm.RevokedFromBlock != nil && h >= *vm.RevokedFromBlock {
		return false
	}
	return true
}

// CreatorDocument maps a creator DID to its verification methods. Legacy
// creators have LegacyXpub set and no verification methods; the signature
// engine verifies them on a separate path (see IsLegacy).
type CreatorDocument struct {
	CreatorDID          string                `json:"creator_did"`
	LegacyXpub          string                `json:"legacy_xpub,omitempty"`
	VerificationMethods []VerificationMethod  `json:"verification_methods,omitempty"`
	RegisteredAtBlock   int64                 `json:"registered_at_block"`
	EmailDomain         string                `json:"email_domain,omitempty"`
}

// IsLegacy reports whether this creator only has the pre-v0.9 single-xpub
// registration (spec §4.3 "Legacy" path).
func (c *CreatorDocument) IsLegacy() bool {
	return c.LegacyXpub != "" && len(c.VerificationMethods) == 0
}

// DeletionEntry is a network-visible record of an intended deletion
// (spec §3.1, entity "Deletion Entry").
type DeletionEntry struct {
	DID             string    `json:"did"`
	DeletedBy       string    `json:"deleted_by_public_key"`
	DeletedAt       time.Time `json:"deleted_at"`
	Backend         Backend   `json:"backend"`
	ByNodeWallet    bool      `json:"by_node_wallet,omitempty"`
}

// DistributionHint is one location a media asset can be fetched from.
type DistributionHint struct {
	Kind    string `json:"kind"` // http, ipfs, bittorrent, arweave
	Locator string `json:"locator"`
}

// Manifest describes a content-addressed media asset bound into a record
// (spec §3.1, entity "Storage Manifest").
type Manifest struct {
	ContentHash string              `json:"content_hash"`
	Size        int64               `json:"size"`
	Mime        string              `json:"mime"`
	Hints       []DistributionHint  `json:"hints"`
}

// AccessLevel controls GUN record read authorization (spec §4.10).
type AccessLevel string

const (
	AccessPublic         AccessLevel = "public"
	AccessPrivate        AccessLevel = "private"
	AccessOrganization   AccessLevel = "organization"
)
