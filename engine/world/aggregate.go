package world

import (
	"math"
	"sort"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/models"
)

// PositionClass derives a well's edge/center classification purely from
// plate geometry — perimeter rows/cols are "edge", everything else is
// "center" (§4.6: "a derived property... never stored separately on
// wells"). Duplicated from engine/policy's identical derivation rather
// than imported, since policy and world are sibling leaves with no
// shared dependency edge between them in the Loop's layering.
func PositionClass(layout config.PlateLayout, wellID string) models.PositionClass {
	if len(wellID) < 2 {
		return models.PositionCenter
	}
	row := int(wellID[0] - 'A')
	var col int
	for _, r := range wellID[1:] {
		if r < '0' || r > '9' {
			break
		}
		col = col*10 + int(r-'0')
	}
	col--
	if row == 0 || row == layout.Rows-1 || col == 0 || col == layout.Cols-1 {
		return models.PositionEdge
	}
	return models.PositionCenter
}

type conditionKey struct {
	compound   string
	doseUM     float64
	timepointH float64
	cellLine   string
	position   models.PositionClass
}

// Aggregate groups well results by (compound, dose, timepoint, cell_line,
// position_class), skipping unusable channels rather than imputing them
// to zero, and emits one ObservationCondition per group (§4.6, §3). wells
// with a non-nil Err are dropped from aggregation and must be surfaced to
// the caller separately (diagnostics.jsonl's responsibility, not World's).
func Aggregate(layout config.PlateLayout, results []WellResult) []models.ObservationCondition {
	groups := make(map[conditionKey][]WellResult)
	var order []conditionKey
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		key := conditionKey{
			compound:   r.Spec.Compound,
			doseUM:     r.Spec.DoseUM,
			timepointH: r.Spec.TimepointH,
			cellLine:   r.Spec.CellLine,
			position:   PositionClass(layout, r.Spec.WellID),
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.compound != b.compound {
			return a.compound < b.compound
		}
		if a.doseUM != b.doseUM {
			return a.doseUM < b.doseUM
		}
		if a.timepointH != b.timepointH {
			return a.timepointH < b.timepointH
		}
		if a.cellLine != b.cellLine {
			return a.cellLine < b.cellLine
		}
		return a.position < b.position
	})

	conditions := make([]models.ObservationCondition, 0, len(order))
	for _, key := range order {
		conditions = append(conditions, aggregateGroup(key, groups[key]))
	}
	return conditions
}

func aggregateGroup(key conditionKey, members []WellResult) models.ObservationCondition {
	channelValues := make(map[string][]float64)
	var viabilities, ldhs []float64
	var moransSum, nucleiSum, segSum float64

	for _, m := range members {
		viabilities = append(viabilities, m.Readout.Viability)
		moransSum += m.Readout.QC.MoransI
		nucleiSum += m.Readout.QC.NucleiCV
		segSum += m.Readout.QC.SegmentationQuality
		for ch, cv := range m.Readout.Channels {
			if !cv.Usable {
				continue
			}
			if ch == "ldh" {
				ldhs = append(ldhs, cv.Value)
				continue
			}
			channelValues[ch] = append(channelValues[ch], cv.Value)
		}
	}

	n := len(members)
	mean, std := make(map[string]float64), make(map[string]float64)
	usable := make([]string, 0, len(channelValues))
	for ch, vals := range channelValues {
		mean[ch], std[ch] = meanStd(vals)
		usable = append(usable, ch)
	}
	sort.Strings(usable)

	viabMean, viabStd := meanStd(viabilities)
	ldhMean, ldhStd := meanStd(ldhs)

	return models.ObservationCondition{
		Compound:      key.compound,
		DoseUM:        key.doseUM,
		TimepointH:    key.timepointH,
		CellLine:      key.cellLine,
		PositionClass: key.position,
		ChannelMean:   mean,
		ChannelStd:    std,
		ViabilityMean: viabMean,
		ViabilityStd:  viabStd,
		LDHMean:       ldhMean,
		LDHStd:        ldhStd,
		QC: models.QCFlags{
			MoransI:             moransSum / float64(n),
			NucleiCV:            nucleiSum / float64(n),
			SegmentationQuality: segSum / float64(n),
		},
		UsableChannels: usable,
		N:              n,
	}
}

// meanStd returns the sample mean and sample standard deviation (ddof=1,
// 0 when fewer than two values) of vals.
func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if len(vals) < 2 {
		return mean, 0
	}
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(vals)-1))
}
