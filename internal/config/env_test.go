package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Backend string `env:"HYBRID_TEST_BACKEND" envDefault:"sqlite"`
	Verbose bool   `env:"HYBRID_TEST_VERBOSE"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Backend != "sqlite" || cfg.Verbose {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("HYBRID_TEST_BACKEND", "bolt")
	t.Setenv("HYBRID_TEST_VERBOSE", "true")

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Backend != "bolt" || !cfg.Verbose {
		t.Fatalf("expected env values, got %+v", cfg)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("HYBRID_TEST_VERBOSE", "maybe")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
