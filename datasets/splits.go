package datasets

import (
	"fmt"
	"time"
)

// Mode names one of the three dataset splits.
type Mode string

const (
	ModeTrain    Mode = "train"
	ModeValidate Mode = "validate"
	ModeTest     Mode = "test"
)

// Modes returns the splits in chronological order.
func Modes() []Mode {
	return []Mode{ModeTrain, ModeValidate, ModeTest}
}

// SplitPlan fixes the sample-count boundaries of the three splits plus
// the global start offset, all in timestep units. It is derived once per
// dataset and immutable afterwards: train starts at StartOffset,
// validate immediately follows train, test immediately follows validate.
type SplitPlan struct {
	StartOffset int
	Train       int
	Validate    int
	Test        int
}

// ModeLen returns the sample count of the given split.
func (p SplitPlan) ModeLen(m Mode) (int, error) {
	switch m {
	case ModeTrain:
		return p.Train, nil
	case ModeValidate:
		return p.Validate, nil
	case ModeTest:
		return p.Test, nil
	}
	return 0, fmt.Errorf("unknown mode %q", m)
}

// ModeOffset returns the first windowed-sample index of the given split.
func (p SplitPlan) ModeOffset(m Mode) (int, error) {
	switch m {
	case ModeTrain:
		return p.StartOffset, nil
	case ModeValidate:
		return p.StartOffset + p.Train, nil
	case ModeTest:
		return p.StartOffset + p.Train + p.Validate, nil
	}
	return 0, fmt.Errorf("unknown mode %q", m)
}

// PlanSplits converts calendar date ranges plus a validation ratio into
// the split plan. Dates are "MMDD" strings resolved against the given
// calendar year; a date that does not exist in that year is rejected.
// The validation split is carved as a trailing suffix of the nominal
// train span: validate = floor(train * valRatio), subtracted from train.
// The test range is independent.
func PlanSplits(year int, trainStart, trainEnd, testStart, testEnd string, valRatio float64, stepsPerDay int) (SplitPlan, error) {
	if stepsPerDay <= 0 {
		return SplitPlan{}, fmt.Errorf("steps per day must be positive, got %d", stepsPerDay)
	}
	if valRatio < 0 || valRatio >= 1 {
		return SplitPlan{}, fmt.Errorf("validation ratio %g outside [0, 1)", valRatio)
	}

	trainS, err := dayOrdinal(year, trainStart)
	if err != nil {
		return SplitPlan{}, err
	}
	trainE, err := dayOrdinal(year, trainEnd)
	if err != nil {
		return SplitPlan{}, err
	}
	testS, err := dayOrdinal(year, testStart)
	if err != nil {
		return SplitPlan{}, err
	}
	testE, err := dayOrdinal(year, testEnd)
	if err != nil {
		return SplitPlan{}, err
	}
	if trainE < trainS {
		return SplitPlan{}, fmt.Errorf("train range ends (%s) before it starts (%s)", trainEnd, trainStart)
	}
	if testE < testS {
		return SplitPlan{}, fmt.Errorf("test range ends (%s) before it starts (%s)", testEnd, testStart)
	}

	trainLen := (trainE + 1 - trainS) * stepsPerDay
	validateLen := int(float64(trainLen) * valRatio)
	trainLen -= validateLen
	testLen := (testE + 1 - testS) * stepsPerDay

	return SplitPlan{
		StartOffset: trainS * stepsPerDay,
		Train:       trainLen,
		Validate:    validateLen,
		Test:        testLen,
	}, nil
}

// dayOrdinal resolves an "MMDD" date string to its zero-based day index
// within the year. time.Parse rejects malformed strings and days that do
// not exist (e.g. "0230"), which gives the required fail-fast behavior.
func dayOrdinal(year int, mmdd string) (int, error) {
	day, err := time.Parse("20060102", fmt.Sprintf("%04d%s", year, mmdd))
	if err != nil {
		return 0, fmt.Errorf("date %q not found in year %d: %w", mmdd, year, err)
	}
	if day.Year() != year {
		return 0, fmt.Errorf("date %q resolves outside year %d", mmdd, year)
	}
	return day.YearDay() - 1, nil
}
