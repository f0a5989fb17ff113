package config

import "testing"

func validSettings() Settings {
	return Settings{
		ElasticsearchHost: "http://localhost:9200",
		ResolveDepthMax:   5,
		CacheMaxEntries:   50000,
		CacheTTLMS:        600000,
		GunPeers:          []string{"https://peer1.example.com"},
		GunHomePeer:       "https://peer1.example.com",
	}
}

func TestValidateAcceptsValidSettings(t *testing.T) {
	if err := Validate(validSettings()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateRejectsMissingElasticsearchHost(t *testing.T) {
	s := validSettings()
	s.ElasticsearchHost = ""
	if err := Validate(s); err == nil {
		t.Fatal("expected an error for missing elasticsearch host")
	}
}

func TestValidateRejectsNonPositiveResolveDepth(t *testing.T) {
	s := validSettings()
	s.ResolveDepthMax = 0
	if err := Validate(s); err == nil {
		t.Fatal("expected an error for non-positive resolve-depth-max")
	}
}

func TestValidateRejectsMalformedGunPeerURL(t *testing.T) {
	s := validSettings()
	s.GunPeers = []string{"not-a-url"}
	s.GunHomePeer = ""
	if err := Validate(s); err == nil {
		t.Fatal("expected an error for a malformed gun peer URL")
	}
}

func TestValidateRejectsHomePeerNotInWhitelist(t *testing.T) {
	s := validSettings()
	s.GunHomePeer = "https://not-whitelisted.example.com"
	if err := Validate(s); err == nil {
		t.Fatal("expected an error when gun-home-peer is outside the whitelist")
	}
}

func TestValidateRejectsPartialAdminOverrideConfig(t *testing.T) {
	s := validSettings()
	s.AdminBaseDomain = "example.com"
	if err := Validate(s); err == nil {
		t.Fatal("expected an error when admin-base-domain is set without node-wallet-public-key")
	}
}
