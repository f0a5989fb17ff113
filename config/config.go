// Package config validates the daemon's resolved runtime settings before
// cli.runServer wires any component against them.
//
// It is grounded on the teacher's config package: the same fluent
// Validator (RequireString/RequirePositiveInt/RequireOneOf, collecting
// errors rather than failing on the first) generalized from the teacher's
// generic Server/Database/Auth/CORS env-config shape to the one settings
// struct this daemon actually binds through viper (spec §6's environment
// variable table, SPEC_FULL.md §10.3).
package config

import (
	"fmt"
	"strings"
)

// Settings is the subset of cli/root.go's viper-bound flags that are
// load-bearing enough to validate before any backend client is built.
type Settings struct {
	ElasticsearchHost string
	ResolveDepthMax   int
	CacheMaxEntries   int
	CacheTTLMS        int
	GunPeers          []string
	GunHomePeer       string
	AdminBaseDomain   string
	NodeWalletPubKey  string
}

// Validator collects configuration errors instead of failing on the first,
// the teacher's config.Validator shape verbatim.
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]string, 0)}
}

// RequireString validates that a string field is not empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireURL validates that a string is a valid http(s) URL.
func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		v.errors = append(v.errors, fmt.Sprintf("%s must be a valid URL (http:// or https://)", field))
	}
}

// RequireEachURL validates that every entry of values is a valid http(s)
// URL, field by field, for the GUN peer whitelist (spec §4.7 "operator-
// configured set of peer URLs").
func (v *Validator) RequireEachURL(field string, values []string) {
	for i, value := range values {
		v.RequireURL(fmt.Sprintf("%s[%d]", field, i), value)
	}
}

// IsValid returns true if there are no validation errors.
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []string {
	return v.errors
}

// Validate runs validation and returns an error if invalid.
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
	}
	return nil
}

// Validate checks s against the invariants the daemon relies on at
// startup: an Elasticsearch host is mandatory (C5 is the one store every
// other component projects into or queries against), resolveDepthMax and
// the resolver cache bounds must be positive (spec §4.4's depth/cache
// bounds are load-bearing for memory stability, per spec §9), and every
// whitelisted GUN peer must be a well-formed URL (spec §4.7 "rejects at
// runtime any connection attempt from a URL outside the whitelist" implies
// the whitelist itself must parse as URLs to be enforceable). The
// admin-domain override is validated as all-or-nothing: a base domain
// without a node wallet key (or vice versa) can never satisfy
// ownership.Authorize's admin-override branch and is almost certainly a
// misconfiguration, not an intentionally narrowed gate.
func Validate(s Settings) error {
	v := NewValidator()
	v.RequireURL("elasticsearch-host", s.ElasticsearchHost)
	v.RequirePositiveInt("resolve-depth-max", s.ResolveDepthMax)
	v.RequirePositiveInt("cache-max-entries", s.CacheMaxEntries)
	v.RequirePositiveInt("cache-ttl-ms", s.CacheTTLMS)
	v.RequireEachURL("gun-peers", s.GunPeers)
	if s.GunHomePeer != "" {
		found := false
		for _, peer := range s.GunPeers {
			if peer == s.GunHomePeer {
				found = true
				break
			}
		}
		if !found {
			v.errors = append(v.errors, "gun-home-peer must be one of the gun-peers whitelist entries")
		}
	}
	if (s.AdminBaseDomain == "") != (s.NodeWalletPubKey == "") {
		v.errors = append(v.errors, "admin-base-domain and node-wallet-public-key must be configured together or not at all")
	}
	return v.Validate()
}
