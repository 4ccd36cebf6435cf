package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.HTTPPort)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if len(cfg.Providers) != 2 {
		t.Errorf("expected two default providers, got %v", cfg.Providers)
	}
	if cfg.NoDataCooldown != 90*24*time.Hour {
		t.Errorf("unexpected no-data cooldown %v", cfg.NoDataCooldown)
	}
}

func TestProviderLimitsParsing(t *testing.T) {
	t.Setenv("PROVIDERS", "musicbrainz,discogs,spotify")
	t.Setenv("PROVIDER_LIMITS", "musicbrainz=1:1s,discogs=60:1m,broken=x:1s,alsobroken=5")

	cfg := Load()

	mb := cfg.LimitFor("musicbrainz")
	if mb.Requests != 1 || mb.Window != time.Second {
		t.Errorf("musicbrainz limit: %+v", mb)
	}
	dc := cfg.LimitFor("discogs")
	if dc.Requests != 60 || dc.Window != time.Minute {
		t.Errorf("discogs limit: %+v", dc)
	}
	// Listed but without an explicit limit.
	sp := cfg.LimitFor("spotify")
	if sp.Requests != 1 || sp.Window != time.Second {
		t.Errorf("spotify should default to 1/s, got %+v", sp)
	}
	// Entirely unknown provider.
	other := cfg.LimitFor("bandcamp")
	if other.Requests != 1 || other.Window != time.Second {
		t.Errorf("unknown provider should default to 1/s, got %+v", other)
	}
}

func TestProviderPairsParsing(t *testing.T) {
	t.Setenv("PROVIDER_URLS", "musicbrainz=https://mb.example.com, discogs=https://dc.example.com,broken")

	cfg := Load()

	if cfg.ProviderURLs["musicbrainz"] != "https://mb.example.com" {
		t.Errorf("musicbrainz url: %q", cfg.ProviderURLs["musicbrainz"])
	}
	if cfg.ProviderURLs["discogs"] != "https://dc.example.com" {
		t.Errorf("discogs url: %q", cfg.ProviderURLs["discogs"])
	}
	if _, ok := cfg.ProviderURLs["broken"]; ok {
		t.Error("malformed pair should be skipped")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	if cfg.VisibilityTimeout != 90*time.Second {
		t.Errorf("visibility timeout: %v", cfg.VisibilityTimeout)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("max attempts: %d", cfg.MaxAttempts)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.RedisDB)
	}
}
