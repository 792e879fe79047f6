package policy

import (
	"fmt"
	"math"
	"sort"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/rng"
)

func wellID(row, col int) string {
	return fmt.Sprintf("%c%02d", 'A'+row, col+1)
}

func allWellIDs(layout config.PlateLayout) []string {
	excluded := make(map[string]struct{}, len(layout.ExcludedWells))
	for _, w := range layout.ExcludedWells {
		excluded[w] = struct{}{}
	}
	ids := make([]string, 0, layout.Rows*layout.Cols)
	for r := 0; r < layout.Rows; r++ {
		for c := 0; c < layout.Cols; c++ {
			id := wellID(r, c)
			if _, skip := excluded[id]; skip {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids
}

// centerHeavyOrder returns well IDs sorted by ascending distance from
// plate center, so CALIBRATE's control-only plate fills the center first
// (§4.4: "center-heavy layout").
func centerHeavyOrder(layout config.PlateLayout) []string {
	ids := allWellIDs(layout)
	centerR := float64(layout.Rows-1) / 2
	centerC := float64(layout.Cols-1) / 2
	dist := func(id string) float64 {
		r, c := parseWellID(id)
		dr, dc := float64(r)-centerR, float64(c)-centerC
		return math.Hypot(dr, dc)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		di, dj := dist(ids[i]), dist(ids[j])
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// shuffledPool returns every available well ID permuted deterministically
// by layoutSeed (§4.4: MITIGATE "replate with shuffled positions").
func shuffledPool(layout config.PlateLayout, layoutSeed int64) []string {
	ids := allWellIDs(layout)
	perm := rng.DeterministicPermutation(uint64(layoutSeed), len(ids))
	out := make([]string, len(ids))
	for i, p := range perm {
		out[i] = ids[p]
	}
	return out
}

func parseWellID(id string) (row, col int) {
	if len(id) < 2 {
		return 0, 0
	}
	row = int(id[0] - 'A')
	var c int
	fmt.Sscanf(id[1:], "%d", &c)
	return row, c - 1
}

// isEdge classifies a well ID's derived position class purely from the
// plate geometry (§4.6). WellSpec never stores this; it is recomputed by
// World at aggregation time, and duplicated here only for layout ordering
// choices (e.g. center-heavy).
func isEdge(layout config.PlateLayout, id string) bool {
	r, c := parseWellID(id)
	return r == 0 || r == layout.Rows-1 || c == 0 || c == layout.Cols-1
}
