package datasets

import "testing"

func TestPlanSplits(t *testing.T) {
	// 2017: Mar 1 is day ordinal 59, Jun 30 is 180, Jul 1 is 181,
	// Jul 31 is 211. Two timesteps per day.
	plan, err := PlanSplits(2017, "0301", "0630", "0701", "0731", 0.25, 2)
	if err != nil {
		t.Fatalf("PlanSplits failed: %v", err)
	}

	if plan.StartOffset != 118 {
		t.Fatalf("StartOffset = %d, want 118", plan.StartOffset)
	}
	// nominal train span: 122 days * 2 = 244 steps; 25% carved off
	if plan.Validate != 61 {
		t.Fatalf("Validate = %d, want 61", plan.Validate)
	}
	if plan.Train != 183 {
		t.Fatalf("Train = %d, want 183", plan.Train)
	}
	if plan.Test != 62 {
		t.Fatalf("Test = %d, want 62", plan.Test)
	}
}

func TestSplitsAreContiguousAndDisjoint(t *testing.T) {
	plan, err := PlanSplits(2017, "0301", "0930", "1001", "1031", 0.1, 24)
	if err != nil {
		t.Fatalf("PlanSplits failed: %v", err)
	}

	trainOff, _ := plan.ModeOffset(ModeTrain)
	valOff, _ := plan.ModeOffset(ModeValidate)
	testOff, _ := plan.ModeOffset(ModeTest)

	if valOff != trainOff+plan.Train {
		t.Fatalf("validate offset %d does not follow train [%d, %d)", valOff, trainOff, trainOff+plan.Train)
	}
	if testOff != valOff+plan.Validate {
		t.Fatalf("test offset %d does not follow validate [%d, %d)", testOff, valOff, valOff+plan.Validate)
	}
	if plan.Train <= 0 || plan.Validate <= 0 || plan.Test <= 0 {
		t.Fatalf("expected non-empty splits, got %+v", plan)
	}
}

func TestPlanSplitsRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name                       string
		trainS, trainE, testS, testE string
		valRatio                   float64
		steps                      int
	}{
		{"nonexistent date", "0230", "0630", "0701", "0731", 0.1, 24},
		{"bad month", "1301", "1330", "0701", "0731", 0.1, 24},
		{"malformed date", "3-1", "0630", "0701", "0731", 0.1, 24},
		{"inverted train range", "0630", "0301", "0701", "0731", 0.1, 24},
		{"inverted test range", "0301", "0630", "0731", "0701", 0.1, 24},
		{"ratio too large", "0301", "0630", "0701", "0731", 1.0, 24},
		{"negative ratio", "0301", "0630", "0701", "0731", -0.1, 24},
		{"zero steps per day", "0301", "0630", "0701", "0731", 0.1, 0},
	}
	for _, tc := range cases {
		if _, err := PlanSplits(2017, tc.trainS, tc.trainE, tc.testS, tc.testE, tc.valRatio, tc.steps); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestModeLookups(t *testing.T) {
	plan := SplitPlan{StartOffset: 10, Train: 6, Validate: 2, Test: 4}

	if n, err := plan.ModeLen(ModeValidate); err != nil || n != 2 {
		t.Fatalf("ModeLen(validate) = %d, %v", n, err)
	}
	if off, err := plan.ModeOffset(ModeTest); err != nil || off != 18 {
		t.Fatalf("ModeOffset(test) = %d, %v", off, err)
	}
	if _, err := plan.ModeLen(Mode("bogus")); err == nil {
		t.Fatalf("expected unknown mode error")
	}
	if _, err := plan.ModeOffset(Mode("bogus")); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
