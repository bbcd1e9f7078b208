package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCoverage(t *testing.T) {
	log := "compiling\nTotal coverage: 82.5%\ndone\n"

	t.Run("delimited_pattern", func(t *testing.T) {
		cov, err := extractCoverage(log, `/Total coverage: (\d+\.\d+)/`)
		require.NoError(t, err)
		assert.Equal(t, "82.5", cov)
	})

	t.Run("bare_pattern", func(t *testing.T) {
		cov, err := extractCoverage(log, `Total coverage: \d+\.\d+`)
		require.NoError(t, err)
		assert.Equal(t, "82.5", cov)
	})

	t.Run("first_match_only", func(t *testing.T) {
		cov, err := extractCoverage("lines: 10.0%\nlines: 99.9%\n", `lines: \d+\.\d+`)
		require.NoError(t, err)
		assert.Equal(t, "10.0", cov)
	})

	t.Run("no_match_is_zero", func(t *testing.T) {
		cov, err := extractCoverage(log, `/branch coverage: (\d+)/`)
		require.NoError(t, err)
		assert.Equal(t, "0", cov)
	})

	t.Run("bad_pattern", func(t *testing.T) {
		_, err := extractCoverage(log, `/((/`)
		require.Error(t, err)
	})
}
