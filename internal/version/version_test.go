package version_test

import (
	"strings"
	"testing"

	"strata/internal/version"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := version.String()
	if v == "" {
		t.Fatal("version.String() must not be empty")
	}
	if strings.ContainsAny(v, " \n") {
		t.Fatalf("version %q must be a single token", v)
	}
}
