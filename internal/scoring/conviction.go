package scoring

// Conviction model constants, v1.0 of the fusion contract.
const (
	WeightDS    = 0.35
	WeightMC    = 0.40
	MCCap       = 7.0
	VacBonusMax = 2.5

	ConvictionModelVersion = "v1.0"
)

// ConvictionInput carries the per-parcel fusion inputs. Pointer fields are
// tri-state: nil means the component is absent and must be excluded from the
// reweighted average, never treated as zero.
type ConvictionInput struct {
	DistressComposite *float64
	MCRawScore        float64
	MCSignalCount     int
	FlagVacancy       bool
	VacancyConfidence *float64
	VacancyError      string
}

// ConvictionResult is the fusion output. Score and Base are nil when the
// parcel is not rankable (neither component present).
type ConvictionResult struct {
	Score        *float64
	Base         *float64
	VacancyBonus float64
	Components   []string
}

// Conviction fuses the distress composite, motivation-signal aggregate, and
// carrier vacancy into one score. The reweighted-average rule: a missing
// component drops out of both numerator and denominator. The vacancy bonus
// applies only when the vacancy flag is set and the check did not error.
func Conviction(in ConvictionInput) ConvictionResult {
	var dsComp, mcComp *float64

	if in.DistressComposite != nil {
		v := clamp(*in.DistressComposite/10, 0, 1)
		dsComp = &v
	}
	// Zero signals means missing coverage, not zero evidence.
	if in.MCSignalCount > 0 {
		v := clamp(in.MCRawScore/MCCap, 0, 1)
		mcComp = &v
	}

	bonus := 0.0
	if in.FlagVacancy && in.VacancyError == "" {
		vc := 0.8
		if in.VacancyConfidence != nil {
			vc = clamp(*in.VacancyConfidence, 0, 1)
		}
		bonus = VacBonusMax * vc
	}

	baseSum := 0.0
	num := 0.0
	components := []string{}
	if dsComp != nil {
		baseSum += WeightDS
		num += WeightDS * *dsComp
		components = append(components, "DS")
	}
	if mcComp != nil {
		baseSum += WeightMC
		num += WeightMC * *mcComp
		components = append(components, "MC")
	}
	if bonus > 0 {
		components = append(components, "VAC")
	}

	if baseSum == 0 {
		return ConvictionResult{VacancyBonus: round2(bonus), Components: components}
	}

	base := 10 * num / baseSum
	score := round2(clamp(base+bonus, 0, 10))
	baseR := round2(base)
	return ConvictionResult{
		Score:        &score,
		Base:         &baseR,
		VacancyBonus: round2(bonus),
		Components:   components,
	}
}
