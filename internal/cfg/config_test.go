package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("embedded structs get defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env, which may cause issues
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, 5*time.Second, config.MappingConfig.QuiesceTimeout)
		assert.Equal(t, 50*time.Microsecond, config.MappingConfig.QuiesceInitialInterval)
		assert.Equal(t, 5*time.Millisecond, config.MappingConfig.QuiesceMaxInterval)
		assert.Equal(t, 512, config.MappingConfig.TLBEntries)
		assert.Equal(t, uint(256), config.MappingConfig.MaxVaMappers)
		assert.False(t, config.BackingConfig.AnonymousHugePages)
		assert.Equal(t, "membacking", config.BackingConfig.MemfdPrefix)
		assert.Equal(t, "membacking", config.ServiceName)
		assert.False(t, config.Debug)
		assert.False(t, config.OTelLogs)
	})

	t.Run("embedded structs get overrides", func(t *testing.T) {
		t.Setenv("MAPPING_QUIESCE_TIMEOUT", "250ms")
		t.Setenv("MAPPING_TLB_ENTRIES", "64")
		t.Setenv("MAPPING_ANONYMOUS_HUGEPAGES", "true")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, 250*time.Millisecond, config.MappingConfig.QuiesceTimeout)
		assert.Equal(t, 64, config.MappingConfig.TLBEntries)
		assert.True(t, config.BackingConfig.AnonymousHugePages)
	})

	t.Run("malformed duration fails", func(t *testing.T) {
		t.Setenv("MAPPING_QUIESCE_TIMEOUT", "soon")

		_, err := Parse()
		require.Error(t, err)
	})
}
