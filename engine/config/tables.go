package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CompoundEntry is one row of the compound parameter table (§6: "Inputs
// consumed from external collaborators... a read-only mapping loaded
// once"). Values here are illustrative, not a biological claim (§3).
type CompoundEntry struct {
	Name       string  `yaml:"name" json:"name"`
	IC50UM     float64 `yaml:"ic50_um" json:"ic50_um"`
	HillSlope  float64 `yaml:"hill_slope" json:"hill_slope"`
	StressAxis string  `yaml:"stress_axis" json:"stress_axis"` // e.g. "microtubule", "ER-stress", "none"
	Mechanism  string  `yaml:"mechanism" json:"mechanism"`
}

// CompoundTable is the read-only compound parameter mapping.
type CompoundTable map[string]CompoundEntry

// CellLineEntry is one row of the cell-line parameter table.
type CellLineEntry struct {
	Name                string             `yaml:"name" json:"name"`
	BaselineMorphology  map[string]float64 `yaml:"baseline_morphology" json:"baseline_morphology"`
	SensitivityMultiplier map[string]float64 `yaml:"sensitivity_multiplier" json:"sensitivity_multiplier"` // per compound
	ProliferationIndex  float64            `yaml:"proliferation_index" json:"proliferation_index"`
	SubpopIC50Shifts    map[string]float64 `yaml:"subpop_ic50_shifts" json:"subpop_ic50_shifts"` // per subpop name
}

// CellLineTable is the read-only cell-line parameter mapping.
type CellLineTable map[string]CellLineEntry

// PlateLayout carries format and excluded-corner constraints (§6).
type PlateLayout struct {
	Format          int      `yaml:"format" json:"format"`
	ExcludedWells   []string `yaml:"excluded_wells" json:"excluded_wells"`
	Rows            int      `yaml:"-" json:"-"`
	Cols            int      `yaml:"-" json:"-"`
}

// Resolve fills Rows/Cols from Format (96-well: 8x12; 384-well: 16x24).
func (p *PlateLayout) Resolve() error {
	switch p.Format {
	case 96:
		p.Rows, p.Cols = 8, 12
	case 384:
		p.Rows, p.Cols = 16, 24
	default:
		return fmt.Errorf("unsupported plate format %d", p.Format)
	}
	return nil
}

// PriceCatalog is the opaque get_price(key) -> float contract (§6), kept
// uninterpreted by the Core beyond cost scoring.
type PriceCatalog interface {
	GetPrice(key string) (float64, bool)
}

// MapPriceCatalog is an in-memory PriceCatalog backed by a plain map.
type MapPriceCatalog map[string]float64

func (m MapPriceCatalog) GetPrice(key string) (float64, bool) {
	v, ok := m[key]
	return v, ok
}

// DefaultCompoundTable ships a small illustrative table sufficient to make
// §8's S3/S4/S6 scenarios concrete and runnable (SPEC_FULL §3.1). Not a
// pricing or biological claim.
func DefaultCompoundTable() CompoundTable {
	return CompoundTable{
		"test_A_clean": {Name: "test_A_clean", IC50UM: 0, HillSlope: 1, StressAxis: "none", Mechanism: "none"},
		"paclitaxel":   {Name: "paclitaxel", IC50UM: 0.05, HillSlope: 1.4, StressAxis: "microtubule", Mechanism: "microtubule"},
		"nocodazole":   {Name: "nocodazole", IC50UM: 0.3, HillSlope: 1.2, StressAxis: "microtubule", Mechanism: "microtubule"},
		"tunicamycin":  {Name: "tunicamycin", IC50UM: 1.0, HillSlope: 1.0, StressAxis: "ER-stress", Mechanism: "er_stress"},
		"DMSO":         {Name: "DMSO", IC50UM: 0, HillSlope: 1, StressAxis: "none", Mechanism: "none"},
	}
}

// DefaultCellLineTable ships an illustrative cell-line table.
func DefaultCellLineTable() CellLineTable {
	return CellLineTable{
		"HeLa": {
			Name:                "HeLa",
			BaselineMorphology:  map[string]float64{"nucleus_area": 180, "cell_area": 950, "intensity_mito": 1.0},
			SensitivityMultiplier: map[string]float64{"paclitaxel": 1.0, "nocodazole": 1.0, "tunicamycin": 1.0},
			ProliferationIndex:  1.0,
			SubpopIC50Shifts:    map[string]float64{"sensitive": 0.5, "intermediate": 1.0, "resistant": 2.0},
		},
		"U2OS": {
			Name:                "U2OS",
			BaselineMorphology:  map[string]float64{"nucleus_area": 210, "cell_area": 1400, "intensity_mito": 1.1},
			SensitivityMultiplier: map[string]float64{"paclitaxel": 0.8, "nocodazole": 0.9, "tunicamycin": 1.2},
			ProliferationIndex:  0.85,
			SubpopIC50Shifts:    map[string]float64{"sensitive": 0.4, "intermediate": 1.0, "resistant": 2.2},
		},
	}
}

// DefaultPriceCatalog ships illustrative per-well cost-scoring prices.
func DefaultPriceCatalog() PriceCatalog {
	return MapPriceCatalog{
		"well.LDH":          1.0,
		"well.Cell-Painting": 2.0,
		"well.scRNA":        8.0,
	}
}

// LoadCompoundTable reads a YAML compound table from path, falling back to
// the illustrative default when path is empty.
func LoadCompoundTable(path string) (CompoundTable, error) {
	if path == "" {
		return DefaultCompoundTable(), nil
	}
	var t CompoundTable
	if err := readYAML(path, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadCellLineTable reads a YAML cell-line table from path, falling back
// to the illustrative default when path is empty.
func LoadCellLineTable(path string) (CellLineTable, error) {
	if path == "" {
		return DefaultCellLineTable(), nil
	}
	var t CellLineTable
	if err := readYAML(path, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func readYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
