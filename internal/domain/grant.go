package domain

import "math"

// ─── Grant Formula ──────────────────────────────────────────────────────────
// A validated result earns coins by how much faster than the project average
// it came back, scaled by a social bonus for friends on the same project.
//
//	base  = round((ln(1 + (avg − actual)/2) + 1) × coinsPerResult)
//	bonus = 2 − 1/(⌊friends/10⌋ + 1)            ∈ [1, 2)
//	final = ⌊base × bonus⌋
//
// Results far slower than average drive the logarithm's argument to zero or
// below; those grants clamp to 0 instead of failing.

// BaseGrant computes the unbonused coin value of a result.
func BaseGrant(avgCalcMinutes, actualMinutes float64, coinsPerResult int64) int64 {
	arg := 1 + (avgCalcMinutes-actualMinutes)/2
	if arg <= 0 || math.IsNaN(arg) || math.IsInf(arg, 0) {
		return 0
	}
	v := math.Round((math.Log(arg) + 1) * float64(coinsPerResult))
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// BonusMultiplier grows by steps of ten friends toward, but never reaching, 2.
func BonusMultiplier(friendCountOnSameProject int) float64 {
	if friendCountOnSameProject < 0 {
		friendCountOnSameProject = 0
	}
	return 2 - 1/float64(friendCountOnSameProject/10+1)
}

// FinalGrant applies the friend bonus to the base grant.
func FinalGrant(avgCalcMinutes, actualMinutes float64, coinsPerResult int64, friendCount int) int64 {
	base := BaseGrant(avgCalcMinutes, actualMinutes, coinsPerResult)
	if base == 0 {
		return 0
	}
	v := math.Floor(float64(base) * BonusMultiplier(friendCount))
	if v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
