package pathutil

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := Expand("~/sandboxes")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if got != filepath.Join(home, "sandboxes") {
		t.Fatalf("unexpected expansion: %s", got)
	}
}

func TestExpandEnvVar(t *testing.T) {
	t.Setenv("DAIKU_TEST_DIR", "/opt/daiku")

	got, err := Expand("$DAIKU_TEST_DIR/templates")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if got != "/opt/daiku/templates" {
		t.Fatalf("unexpected expansion: %s", got)
	}
}

func TestExpandEmpty(t *testing.T) {
	got, err := Expand("   ")
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty result, got %s", got)
	}
}
