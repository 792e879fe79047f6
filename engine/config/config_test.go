package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRunConfig_Valid(t *testing.T) {
	cfg := DefaultRunConfig()
	assert.NoError(t, cfg.Validate())
}

func TestRunConfig_ValidateRejectsBadPlateFormat(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.PlateFormat = 48
	assert.Error(t, cfg.Validate())
}

func TestRunConfig_ValidateRejectsReserveOverBudget(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.ReserveWells = cfg.BudgetWells + 1
	assert.Error(t, cfg.Validate())
}

func TestLoadRunConfigFile_MissingFileReturnsBase(t *testing.T) {
	base := DefaultRunConfig()
	got, err := LoadRunConfigFile(base, filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestLoadRunConfigFile_OverridesBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 99\nbudget_wells: 480\n"), 0o644))

	got, err := LoadRunConfigFile(DefaultRunConfig(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Seed)
	assert.Equal(t, 480, got.BudgetWells)
	assert.Equal(t, 10, got.MaxCycles) // untouched default
}

func TestPlateLayout_Resolve(t *testing.T) {
	p96 := PlateLayout{Format: 96}
	require.NoError(t, p96.Resolve())
	assert.Equal(t, 8, p96.Rows)
	assert.Equal(t, 12, p96.Cols)

	p384 := PlateLayout{Format: 384}
	require.NoError(t, p384.Resolve())
	assert.Equal(t, 16, p384.Rows)
	assert.Equal(t, 24, p384.Cols)

	bad := PlateLayout{Format: 48}
	assert.Error(t, bad.Resolve())
}

func TestDefaultCompoundTable_HasScenarioCompounds(t *testing.T) {
	tbl := DefaultCompoundTable()
	for _, name := range []string{"test_A_clean", "paclitaxel", "nocodazole", "tunicamycin"} {
		_, ok := tbl[name]
		assert.True(t, ok, "expected %s in default compound table", name)
	}
	assert.Equal(t, "microtubule", tbl["paclitaxel"].Mechanism)
}

func TestMapPriceCatalog_GetPrice(t *testing.T) {
	cat := DefaultPriceCatalog()
	price, ok := cat.GetPrice("well.LDH")
	require.True(t, ok)
	assert.Equal(t, 1.0, price)

	_, ok = cat.GetPrice("unknown")
	assert.False(t, ok)
}
