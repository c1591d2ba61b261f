package gateway

import "testing"

var testModels = ModelSet{
	Large: "large-32b",
	Mid:   "mid-14b",
	Small: "small-7b",
	Fixer: "fixer-7b",
}

func TestSelectModelDecisionTable(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		complexity Complexity
		intent     Intent
		queue      int
		wantModel  string
		wantReason string
	}{
		{"fixer pinned", "fixer", ComplexityComplex, IntentCRUD, 5, "fixer-7b", "fixer_pinned"},
		{"planner pinned", "planner", ComplexitySimple, IntentGeneral, 0, "large-32b", "planner_quality_pinned"},
		{"unknown role pinned", "quality-engineer", ComplexityMedium, IntentGeneral, 4, "large-32b", "planner_quality_pinned"},

		{"complex crud optimized", "builder", ComplexityComplex, IntentCRUD, 0, "mid-14b", "complex_optimized_crud"},
		{"complex static optimized", "coder", ComplexityComplex, IntentStatic, 0, "mid-14b", "complex_optimized_static"},
		{"complex scaffold optimized", "executor", ComplexityComplex, IntentScaffold, 0, "mid-14b", "complex_optimized_scaffold"},
		{"complex general quality", "builder", ComplexityComplex, IntentGeneral, 9, "large-32b", "complex_pinned_quality"},
		{"complex refactor quality", "builder", ComplexityComplex, IntentRefactor, 0, "large-32b", "complex_pinned_quality"},

		{"simple high queue", "builder", ComplexitySimple, IntentGeneral, 3, "small-7b", "simple_queue_high"},
		{"simple very high queue", "builder", ComplexitySimple, IntentGeneral, 7, "small-7b", "simple_queue_high"},
		{"simple medium queue", "builder", ComplexitySimple, IntentGeneral, 2, "mid-14b", "simple_queue_medium"},
		{"simple low queue", "builder", ComplexitySimple, IntentGeneral, 1, "large-32b", "simple_queue_low"},
		{"simple empty queue", "builder", ComplexitySimple, IntentCRUD, 0, "large-32b", "simple_queue_low"},

		{"medium high queue", "builder", ComplexityMedium, IntentGeneral, 3, "mid-14b", "medium_queue_high"},
		{"medium static", "builder", ComplexityMedium, IntentStatic, 0, "mid-14b", "medium_optimized_static"},
		{"medium standard", "builder", ComplexityMedium, IntentGeneral, 2, "large-32b", "medium_standard"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sel := SelectModel(testModels, tc.role, tc.complexity, tc.intent, tc.queue)
			if sel.Model != tc.wantModel || sel.Reason != tc.wantReason {
				t.Fatalf("SelectModel(%s,%s,%s,%d) = {%s %s}, want {%s %s}",
					tc.role, tc.complexity, tc.intent, tc.queue,
					sel.Model, sel.Reason, tc.wantModel, tc.wantReason)
			}
		})
	}
}

// The table must be total and deterministic: identical inputs always pick
// the same model and reason.
func TestSelectModelDeterministic(t *testing.T) {
	roles := []string{"fixer", "planner", "builder", "coder", "executor", "mystery"}
	complexities := []Complexity{ComplexitySimple, ComplexityMedium, ComplexityComplex, ""}
	intents := []Intent{IntentScaffold, IntentCRUD, IntentStatic, IntentRefactor, IntentGeneral}

	for _, role := range roles {
		for _, cx := range complexities {
			for _, intent := range intents {
				for q := 0; q <= 4; q++ {
					first := SelectModel(testModels, role, cx, intent, q)
					if first.Model == "" || first.Reason == "" {
						t.Fatalf("table not total for (%s,%s,%s,%d)", role, cx, intent, q)
					}
					for i := 0; i < 3; i++ {
						again := SelectModel(testModels, role, cx, intent, q)
						if again != first {
							t.Fatalf("non-deterministic for (%s,%s,%s,%d): %v vs %v",
								role, cx, intent, q, first, again)
						}
					}
				}
			}
		}
	}
}
