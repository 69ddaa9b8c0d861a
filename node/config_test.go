package node

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
)

func TestBudgetUnits(t *testing.T) {
	cases := []struct {
		space int64
		unit  string
		want  int64
	}{
		{500, "", 500},
		{2, "K", 2_000},
		{3, "M", 3_000_000},
		{20, "G", 20_000_000_000},
		{1, "T", 1_000_000_000_000},
		{7, "k", 7_000}, // case-insensitive
		{0, "G", 0},
	}
	for _, c := range cases {
		cfg := Config{StorageSpace: c.space, StorageUnit: c.unit}
		got, err := cfg.Budget()
		require.NoError(t, err, "unit %q", c.unit)
		assert.Equal(t, c.want, got, "unit %q", c.unit)
	}
}

func TestBudgetRejectsUnknownUnit(t *testing.T) {
	cfg := Config{StorageSpace: 1, StorageUnit: "Q"}
	_, err := cfg.Budget()
	de, ok := dragoonerr.As(err)
	require.True(t, ok)
	assert.Equal(t, dragoonerr.BadRequest, de.Kind)
}

func TestBudgetRejectsNegativeSpace(t *testing.T) {
	cfg := Config{StorageSpace: -1}
	_, err := cfg.Budget()
	require.Error(t, err)
}

func TestValidateRequiresPowersFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{HTTPAddr: "127.0.0.1:8080", PowersPath: "/powers.bin"}
	require.Error(t, cfg.Validate(fs))

	require.NoError(t, afero.WriteFile(fs, "/powers.bin", []byte("params"), 0o644))
	require.NoError(t, cfg.Validate(fs))
}

func TestValidateRequiresHTTPAddr(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{PowersPath: "/powers.bin"}
	require.Error(t, cfg.Validate(fs))
}
