package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

func TestValidateSessionID(t *testing.T) {
	if err := validateSessionID("ascan-123"); err != nil {
		t.Fatalf("expected valid ID, got %v", err)
	}
	for _, bad := range []string{"", ".", "..", "../x", `a\b`} {
		if err := validateSessionID(bad); !errors.Is(err, sharedErrors.ErrInvalidInput) {
			t.Errorf("validateSessionID(%q) = %v, want ErrInvalidInput", bad, err)
		}
	}
}

func TestWriteOutputFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trace.json")
	if err := writeOutputFile(path, []byte("[]")); err != nil {
		t.Fatalf("writeOutputFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "[]" {
		t.Fatalf("unexpected content %q (%v)", data, err)
	}
	if err := writeOutputFile("-", nil); err == nil {
		t.Fatal("expected stdout marker to be rejected")
	}
}

func TestGetDataDirHonorsXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG only applies to linux and unix")
	}
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	got, err := getResultsDir()
	if err != nil {
		t.Fatalf("getResultsDir: %v", err)
	}
	if want := filepath.Join(dir, appDirName, "results"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
