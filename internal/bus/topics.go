package bus

// Oracle event topics.
const (
	TopicOracleClassified = "oracle.classified"
	TopicTeamStageChanged = "team.stage_changed"
	TopicPersistFailed    = "oracle.persist_failed"

	// TopicAlertCritical matches apperr.TopicCriticalAlert.
	TopicAlertCritical = "alert.critical"
)

// OracleClassified is published after every successful oracle request.
type OracleClassified struct {
	TeamID        string
	UserID        string
	Role          string
	DetectedStage string
	UpdatedStage  bool
	LatencyMS     int64
}

// TeamStageChanged is published when the orchestrator moves a team to a new stage.
type TeamStageChanged struct {
	TeamID   string
	OldStage string
	NewStage string
}

// PersistFailed is published when one of the independent persistence
// writes fails after a successful classification.
type PersistFailed struct {
	TeamID string
	Step   string // "update", "stage", "status" or "log"
	Error  string
}
