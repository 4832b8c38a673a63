package fsx

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"strata/pkg/protocol"
)

var keyEscaper = strings.NewReplacer("%", "%25", "-", "%2D", "/", "%2F") //nolint:gochecknoglobals // immutable

// RecordName returns the file name for a per-agent record keyed by
// (role, name). Both parts are escaped so the '-' separator is unambiguous.
func RecordName(role, name, ext string) string {
	return keyEscaper.Replace(role) + "-" + keyEscaper.Replace(name) + ext
}

// ReadYAML decodes the YAML record at path into v. It reports false with a
// nil error when the file does not exist, and a *protocol.RecordCorruptError
// when it exists but fails to decode.
func ReadYAML(path string, v any) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // record paths are built from the state dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, &protocol.RecordCorruptError{Path: path, Err: err}
	}
	return true, nil
}

// WriteYAML encodes v and writes it atomically to path.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// IsRecord reports whether a directory entry is a committed record with the
// given extension, excluding temp and lock files.
func IsRecord(name, ext string) bool {
	return strings.HasSuffix(name, ext) && !IsTemp(name) && !IsLock(name)
}

// EscapeKey escapes a single key component the same way RecordName does.
func EscapeKey(s string) string {
	return keyEscaper.Replace(s)
}
