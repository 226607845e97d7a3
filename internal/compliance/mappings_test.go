package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhnv2901/seca-scan/internal/checker"
)

func TestEveryBuiltinCheckIsMapped(t *testing.T) {
	catalog, err := checker.Builtin(checker.DefaultOptions())
	require.NoError(t, err)

	for _, def := range catalog.All() {
		m, ok := ForCheck(def.ID())
		if assert.True(t, ok, "no mapping for %s", def.ID()) {
			assert.Equal(t, def.ID(), m.CheckID)
			assert.NotEmpty(t, m.Frameworks)
		}
	}
	for id := range mappings {
		_, ok := catalog.Get(id)
		assert.True(t, ok, "mapping for unknown check %s", id)
	}
}

func TestChecksForFramework(t *testing.T) {
	pdpa := ChecksForFramework("pdpa")
	assert.Equal(t, []string{"cookie-flags"}, pdpa)
	assert.Empty(t, ChecksForFramework("nope"))

	iso := ChecksForFramework("iso27001")
	assert.Contains(t, iso, "csp-missing")
	assert.IsIncreasing(t, iso)
}

func TestFrameworksSorted(t *testing.T) {
	fws := Frameworks()
	assert.Contains(t, fws, "iso27001")
	assert.IsIncreasing(t, fws)

	m, ok := ForCheck("cookie-flags")
	require.True(t, ok)
	assert.Equal(t, "iso27001", m.SortedFrameworks()[0])
}
