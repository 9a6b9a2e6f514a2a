package stages

// Pipeline stages in execution order. Each stage's prerequisite is the
// stage before it; the dispatcher decides sequential vs fan-out.
const (
	StageOCR                  = "ocr"
	StageChunking             = "chunking"
	StageEntityExtraction     = "entity_extraction"
	StageEntityResolution     = "entity_resolution"
	StageRelationshipBuilding = "relationship_building"
	StageFinalize             = "finalize"
)

var order = []string{
	StageOCR,
	StageChunking,
	StageEntityExtraction,
	StageEntityResolution,
	StageRelationshipBuilding,
	StageFinalize,
}

// All returns every pipeline stage in execution order.
func All() []string {
	stages := make([]string, len(order))
	copy(stages, order)
	return stages
}

// Known reports whether the stage name belongs to the pipeline.
func Known(stage string) bool {
	return indexOf(stage) >= 0
}

// Prerequisite returns the stage that must be complete before the given
// stage may start. The first stage has none.
func Prerequisite(stage string) (string, bool) {
	idx := indexOf(stage)
	if idx <= 0 {
		return "", false
	}
	return order[idx-1], true
}

// Next returns the successor stage, if any.
func Next(stage string) (string, bool) {
	idx := indexOf(stage)
	if idx < 0 || idx == len(order)-1 {
		return "", false
	}
	return order[idx+1], true
}

// Downstream returns the given stage and everything after it. Used by
// the reprocessing reset, which clears a stage and all its dependents.
func Downstream(stage string) []string {
	idx := indexOf(stage)
	if idx < 0 {
		return nil
	}
	downstream := make([]string, len(order)-idx)
	copy(downstream, order[idx:])
	return downstream
}

func indexOf(stage string) int {
	for i, s := range order {
		if s == stage {
			return i
		}
	}
	return -1
}
