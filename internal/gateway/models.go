package gateway

import "strings"

// Complexity is the caller-declared difficulty of a request.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ModelSet holds the chat-provider model identifiers the selector chooses
// between. The bot provider carries a fixed model and never consults this.
type ModelSet struct {
	Large string
	Mid   string
	Small string
	Fixer string
}

// Selection is a model choice with its audit reason.
type Selection struct {
	Model  string
	Reason string
}

// SelectModel applies the adaptive decision table. First matching row
// wins; the table is total, so every input picks exactly one model.
func SelectModel(models ModelSet, role string, complexity Complexity, intent Intent, queueDepth int) Selection {
	if strings.EqualFold(strings.TrimSpace(role), RoleFixer) {
		return Selection{models.Fixer, "fixer_pinned"}
	}
	if !isExecutionRole(role) {
		return Selection{models.Large, "planner_quality_pinned"}
	}

	switch complexity {
	case ComplexityComplex:
		switch intent {
		case IntentCRUD, IntentStatic, IntentScaffold:
			return Selection{models.Mid, "complex_optimized_" + strings.ToLower(string(intent))}
		}
		return Selection{models.Large, "complex_pinned_quality"}

	case ComplexitySimple:
		switch {
		case queueDepth >= 3:
			return Selection{models.Small, "simple_queue_high"}
		case queueDepth >= 2:
			return Selection{models.Mid, "simple_queue_medium"}
		}
		return Selection{models.Large, "simple_queue_low"}

	default: // medium and unspecified
		if queueDepth >= 3 {
			return Selection{models.Mid, "medium_queue_high"}
		}
		if intent == IntentStatic {
			return Selection{models.Mid, "medium_optimized_static"}
		}
		return Selection{models.Large, "medium_standard"}
	}
}
