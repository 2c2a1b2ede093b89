package schema

// LevelGroup identifies the kind of graph node a level represents.
type LevelGroup string

const (
	GroupPipeline  LevelGroup = "PIPELINE"
	GroupStage     LevelGroup = "STAGE"
	GroupStepGroup LevelGroup = "STEP_GROUP"
	GroupStep      LevelGroup = "STEP"
)

// StepTypeApproval marks approval steps; their deletion triggers the
// approval-instance cleanup observer.
const StepTypeApproval = "approval"

// Level is one entry in the execution-context stack: which graph node this
// is (SetupID), which runtime instance of it (RuntimeID), and where it sits
// in the hierarchy.
type Level struct {
	SetupID    string     `json:"setup_id"`
	RuntimeID  string     `json:"runtime_id"`
	Identifier string     `json:"identifier"`
	Group      LevelGroup `json:"group"`
	StepType   string     `json:"step_type,omitempty"`
}

// Ambiance is the immutable execution-context stack identifying a node's
// position within a plan hierarchy. It is passed explicitly through every
// call, never held as ambient state; mutation returns a fresh copy.
type Ambiance struct {
	PlanExecutionID     string  `json:"plan_execution_id"`
	PipelineExecutionID string  `json:"pipeline_execution_id,omitempty"`
	Levels              []Level `json:"levels,omitempty"`
}

// NodeExecutionID returns the runtime id of the deepest level, or "" for a
// plan-scoped ambiance.
func (a Ambiance) NodeExecutionID() string {
	if len(a.Levels) == 0 {
		return ""
	}
	return a.Levels[len(a.Levels)-1].RuntimeID
}

// CurrentLevel returns the deepest level, or nil.
func (a Ambiance) CurrentLevel() *Level {
	if len(a.Levels) == 0 {
		return nil
	}
	lvl := a.Levels[len(a.Levels)-1]
	return &lvl
}

// StageLevel returns the nearest enclosing STAGE level, or nil.
func (a Ambiance) StageLevel() *Level {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == GroupStage {
			lvl := a.Levels[i]
			return &lvl
		}
	}
	return nil
}

// StepGroupLevel returns the nearest enclosing STEP_GROUP level, or nil.
func (a Ambiance) StepGroupLevel() *Level {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == GroupStepGroup {
			lvl := a.Levels[i]
			return &lvl
		}
	}
	return nil
}

// WithLevel returns a copy of the ambiance with the level appended.
// The receiver is not modified.
func (a Ambiance) WithLevel(lvl Level) Ambiance {
	levels := make([]Level, 0, len(a.Levels)+1)
	levels = append(levels, a.Levels...)
	levels = append(levels, lvl)
	return Ambiance{
		PlanExecutionID:     a.PlanExecutionID,
		PipelineExecutionID: a.PipelineExecutionID,
		Levels:              levels,
	}
}
