// Package domain contains core domain types for the visit-preparation flow.
package domain

import "fmt"

// Stage is one step of the fixed intake/diagnosis/treatment/summary sequence.
// Stage0 is the intake form; Stage1 through Stage5 are chat stages, each backed
// by its own remote assistant.
type Stage int

const (
	StageIntake            Stage = 0
	StageInitialAssessment Stage = 1
	StageDiagnoses         Stage = 2
	StageRanking           Stage = 3
	StageTreatment         Stage = 4
	StageSummary           Stage = 5

	// FinalStage is the last stage of the flow.
	FinalStage = StageSummary
)

var stageTitles = map[Stage]string{
	StageIntake:            "Fill this out to begin",
	StageInitialAssessment: "Stage 1: Initial Assessment",
	StageDiagnoses:         "Stage 2: Possible Diagnoses",
	StageRanking:           "Stage 3: Probability of Diagnoses",
	StageTreatment:         "Stage 4: Treatment Options",
	StageSummary:           "Stage 5: Summary for your doctor",
}

// Valid reports whether s is within the fixed stage range.
func (s Stage) Valid() bool {
	return s >= StageIntake && s <= FinalStage
}

// Title returns the display title for the stage.
func (s Stage) Title() string {
	return stageTitles[s]
}

// Key returns the wire identifier for the stage ("stage0".."stage5"), used in
// prompts and as the assistant lookup key.
func (s Stage) Key() string {
	return fmt.Sprintf("stage%d", int(s))
}

// Next returns the following stage. Calling Next on the final stage returns
// the final stage itself.
func (s Stage) Next() Stage {
	if s >= FinalStage {
		return FinalStage
	}
	return s + 1
}
