package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	consts "github.com/khanhnv2901/seca-scan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/seca-scan/internal/shared/errors"
)

// validateSessionID rejects IDs that could escape the results directory when
// used as file names.
func validateSessionID(id string) error {
	switch id {
	case "":
		return fmt.Errorf("%w: session ID is required", sharedErrors.ErrInvalidInput)
	case ".", "..":
		return fmt.Errorf("%w: session ID %q is reserved", sharedErrors.ErrInvalidInput, id)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: session ID %q must not contain path separators", sharedErrors.ErrInvalidInput, id)
	}
	return nil
}

// writeOutputFile writes data to path, creating parent directories. The
// path "-" is rejected so callers handle stdout themselves.
func writeOutputFile(path string, data []byte) error {
	if strings.TrimSpace(path) == "" || path == "-" {
		return errors.New("output path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), consts.DefaultDirPerm); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(clean, data, consts.DefaultFilePerm); err != nil {
		return fmt.Errorf("write %s: %w", clean, err)
	}
	return nil
}
