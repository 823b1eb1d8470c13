package config_test

import (
	"strings"
	"testing"
	"time"

	"intentline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Platform.ID != "intentline" {
		t.Fatalf("unexpected platform id: %s", cfg.Platform.ID)
	}
	if !cfg.Boundary.Platform.AllowAll {
		t.Fatal("default platform policy should allow all types")
	}
	if cfg.StepTimeout() != 30*time.Second {
		t.Fatalf("unexpected step timeout: %s", cfg.StepTimeout())
	}
	if cfg.ReapInterval() != time.Minute {
		t.Fatalf("unexpected reap interval: %s", cfg.ReapInterval())
	}
}

func TestGeneratedTemplateRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if len(cfg.Boundary.AllowedSources) == 0 {
		t.Fatal("template should list allowed sources")
	}
}

func TestValidateRejectsMissingPlatformID(t *testing.T) {
	_, err := config.FromYAML([]byte("boundary:\n  platform:\n    allow_all: true\n"))
	if err == nil || !strings.Contains(err.Error(), "platform.id") {
		t.Fatalf("expected platform.id error, got %v", err)
	}
}

func TestValidateRejectsUnknownMaterializationType(t *testing.T) {
	yml := `platform:
  id: p
boundary:
  platform:
    types:
      hologram: {}
`
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatal("expected error for unknown materialization type")
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	yml := `platform:
  id: p
runtime:
  step_timeout: soon
boundary:
  platform:
    allow_all: true
`
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestValidateRejectsEmptyPlatformRule(t *testing.T) {
	yml := `platform:
  id: p
boundary:
  platform: {}
`
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatal("expected error when platform rule neither allows all nor lists types")
	}
}

func TestTenantAndSolutionRulesParse(t *testing.T) {
	yml := `platform:
  id: p
boundary:
  platform:
    allow_all: true
  tenants:
    acme:
      policy:
        backing_store: artifacts
        ttl: 24h
        types:
          deterministic_digest: {}
      solutions:
        search:
          allow_all: true
          ttl: 2h
`
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tp, ok := cfg.Boundary.Tenants["acme"]
	if !ok || tp.Policy == nil {
		t.Fatal("missing tenant policy")
	}
	if _, ok := tp.Policy.Types["deterministic_digest"]; !ok {
		t.Fatal("missing tenant type grant")
	}
	if rule, ok := tp.Solutions["search"]; !ok || !rule.AllowAll {
		t.Fatal("missing solution rule")
	}
}

func TestWebhookValidation(t *testing.T) {
	yml := `platform:
  id: p
boundary:
  platform:
    allow_all: true
webhooks:
  - url: https://example.com/hook
`
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatal("expected error for webhook without tenant_id")
	}
}
