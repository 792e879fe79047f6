package policy

import (
	"fmt"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

// assertHasNoTreatmentIdentity is the §4.4 guard every CALIBRATE proposal
// must pass: a control-only plate may contain only vehicle (DMSO) wells at
// zero dose, never a named compound or nonzero exposure.
func assertHasNoTreatmentIdentity(p *models.Proposal) error {
	for _, w := range p.Wells {
		if w.Compound != "" && w.Compound != "DMSO" {
			return fmt.Errorf("policy: calibration proposal carries treatment identity: well=%s compound=%s", w.WellID, w.Compound)
		}
		if w.DoseUM != 0 {
			return fmt.Errorf("policy: calibration proposal carries nonzero dose: well=%s dose=%f", w.WellID, w.DoseUM)
		}
	}
	return nil
}

// BuildCalibrateProposal assembles a control-only, center-heavy plate of
// DMSO + sentinel wells (§4.4).
func BuildCalibrateProposal(cycle int, layout config.PlateLayout, cellLines []string, nWells int, layoutSeed int64, assay string) (*models.Proposal, error) {
	positions := centerHeavyOrder(layout)
	if nWells > len(positions) {
		nWells = len(positions)
	}
	plateID := fmt.Sprintf("cycle-%d-calibrate", cycle)
	wells := make([]models.WellSpec, 0, nWells)
	for i := 0; i < nWells; i++ {
		cl := cellLines[i%len(cellLines)]
		wells = append(wells, models.WellSpec{
			WellID:     positions[i],
			CellLine:   cl,
			Compound:   "DMSO",
			DoseUM:     0,
			TimepointH: 24,
			Assay:      assay,
			PlateID:    plateID,
		})
	}
	prop := &models.Proposal{
		TemplateName:  "calibrate_cell_paint_baseline",
		Wells:         wells,
		LayoutSeed:    layoutSeed,
		IsCalibration: true,
	}
	if err := assertHasNoTreatmentIdentity(prop); err != nil {
		return nil, err
	}
	return prop, nil
}

// BuildReplicateProposal duplicates a prior proposal's well templates
// (same compound/dose/timepoint/cell_line/assay combinations) at double
// the replicate count, placed on fresh positions under a new layout_seed
// (§4.4).
func BuildReplicateProposal(cycle int, prior *models.Proposal, layout config.PlateLayout, layoutSeed int64) (*models.Proposal, error) {
	if prior == nil || len(prior.Wells) == 0 {
		return nil, fmt.Errorf("policy: replicate requires a non-empty prior proposal")
	}
	pool := shuffledPool(layout, layoutSeed)
	want := len(prior.Wells) * 2
	if want > len(pool) {
		want = len(pool)
	}
	plateID := fmt.Sprintf("cycle-%d-replicate", cycle)
	wells := make([]models.WellSpec, 0, want)
	for i := 0; i < want; i++ {
		template := prior.Wells[i%len(prior.Wells)]
		w := template
		w.WellID = pool[i]
		w.PlateID = plateID
		wells = append(wells, w)
	}
	return &models.Proposal{
		TemplateName: "replicate_" + prior.TemplateName,
		Wells:        wells,
		LayoutSeed:   layoutSeed,
	}, nil
}

// BuildMitigateProposal replates the prior proposal's wells (same
// compound/dose/timepoint/cell_line/assay) onto shuffled positions under a
// new layout_seed (§4.4).
func BuildMitigateProposal(cycle int, prior *models.Proposal, layout config.PlateLayout, layoutSeed int64) (*models.Proposal, error) {
	if prior == nil || len(prior.Wells) == 0 {
		return nil, fmt.Errorf("policy: mitigate requires a non-empty prior proposal")
	}
	pool := shuffledPool(layout, layoutSeed)
	if len(prior.Wells) > len(pool) {
		return nil, fmt.Errorf("policy: plate layout has fewer wells (%d) than the proposal being mitigated (%d)", len(pool), len(prior.Wells))
	}
	plateID := fmt.Sprintf("cycle-%d-mitigate", cycle)
	wells := make([]models.WellSpec, len(prior.Wells))
	for i, template := range prior.Wells {
		w := template
		w.WellID = pool[i]
		w.PlateID = plateID
		wells[i] = w
	}
	return &models.Proposal{
		TemplateName: "mitigation_replate",
		Wells:        wells,
		LayoutSeed:   layoutSeed,
	}, nil
}

// DoseResponseDesign describes one EXPLORE probe's grid.
type DoseResponseDesign struct {
	Compound   string
	CellLines  []string
	DosesUM    []float64
	TimepointH float64
	Assay      string
	Replicates int
}

// BuildExploreProposal assembles a dose-response/mechanism probe across
// the given design's grid, chosen by the caller (Loop/Policy) to maximize
// expected posterior entropy reduction (§4.4). The claimed info-gain is
// attached so the epistemic controller can later check it against realized
// evidence.
func BuildExploreProposal(cycle int, layout config.PlateLayout, design DoseResponseDesign, layoutSeed int64, claimedInfoGainBits float64) (*models.Proposal, error) {
	pool := shuffledPool(layout, layoutSeed)
	total := len(design.CellLines) * len(design.DosesUM) * design.Replicates
	if total > len(pool) {
		total = len(pool)
	}
	plateID := fmt.Sprintf("cycle-%d-explore", cycle)
	wells := make([]models.WellSpec, 0, total)
	idx := 0
outer:
	for _, cl := range design.CellLines {
		for _, dose := range design.DosesUM {
			for r := 0; r < design.Replicates; r++ {
				if idx >= len(pool) {
					break outer
				}
				wells = append(wells, models.WellSpec{
					WellID:     pool[idx],
					CellLine:   cl,
					Compound:   design.Compound,
					DoseUM:     dose,
					TimepointH: design.TimepointH,
					Assay:      design.Assay,
					PlateID:    plateID,
				})
				idx++
			}
		}
	}
	return &models.Proposal{
		TemplateName: "dose_response",
		Wells:        wells,
		LayoutSeed:   layoutSeed,
		Claim:        &models.Claim{ClaimedInfoGainBits: claimedInfoGainBits},
	}, nil
}
