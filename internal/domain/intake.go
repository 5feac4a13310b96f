package domain

// Intake holds the one-time onboarding answers collected before Stage 1.
// It is set exactly once per session and never modified afterwards.
type Intake struct {
	HealthIssue        string `json:"health_issue"`
	IssueDuration      string `json:"issue_duration"`
	ResolutionAttempts string `json:"resolution_attempts"`
	FamilyHistory      string `json:"family_history"`
	BirthYear          int    `json:"birth_year"`
	ExerciseHabits     string `json:"exercise_habits"`
	DietRating         int    `json:"diet_rating"`
	SleepHours         int    `json:"sleep_hours"`
}
