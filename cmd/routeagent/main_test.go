package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStrEnv(t *testing.T) {
	t.Setenv("ROUTEAGENT_TEST_STR", "value")
	if got := strEnv("ROUTEAGENT_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("strEnv = %q", got)
	}
	if got := strEnv("ROUTEAGENT_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("strEnv = %q", got)
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("ROUTEAGENT_TEST_INT", "250")
	if got := intEnv("ROUTEAGENT_TEST_INT", 10); got != 250 {
		t.Fatalf("intEnv = %d", got)
	}
	t.Setenv("ROUTEAGENT_TEST_INT", "junk")
	if got := intEnv("ROUTEAGENT_TEST_INT", 10); got != 10 {
		t.Fatalf("intEnv on junk = %d", got)
	}
	t.Setenv("ROUTEAGENT_TEST_INT", "-5")
	if got := intEnv("ROUTEAGENT_TEST_INT", 10); got != 10 {
		t.Fatalf("intEnv on negative = %d", got)
	}
	if got := intEnv("ROUTEAGENT_TEST_INT_MISSING", 10); got != 10 {
		t.Fatalf("intEnv on missing = %d", got)
	}
}

const validatePolicy = `{
  "schemaVersion": 1,
  "monitoring": {"candidateRoots": ["/srv/exchange"]},
  "projects": [
    {
      "id": "alpha",
      "pathMatchers": ["/srv/projects/alpha"],
      "officialDestinations": {"cadPublish": "/srv/projects/alpha/published/cad"}
    }
  ]
}`

func TestValidateCommandAcceptsGoodPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firm_policy.json")
	if err := os.WriteFile(path, []byte(validatePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newValidateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Flags().Set("policy", path); err != nil {
		t.Fatal(err)
	}
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "1 project(s)") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestValidateCommandRejectsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firm_policy.json")
	if err := os.WriteFile(path, []byte(`{"schemaVersion": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newValidateCommand()
	if err := cmd.Flags().Set("policy", path); err != nil {
		t.Fatal(err)
	}
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("policy missing required fields must be rejected")
	}
}
