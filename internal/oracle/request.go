package oracle

import (
	"strings"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/shared"
	"github.com/piefi/oracle/internal/stage"
)

// MissingFieldsMessage is returned when teamId or text is absent.
const MissingFieldsMessage = "Missing teamId or text"

// Request is an inbound progress note.
type Request struct {
	TeamID string `json:"teamId"`
	Text   string `json:"text"`
	Role   string `json:"role,omitempty"`
	UserID string `json:"userId,omitempty"`
	// UpdateType is "daily" (default), "milestone" or "mentor_meeting".
	UpdateType string `json:"updateType,omitempty"`
}

// Persisted reports which of the independent writes succeeded.
type Persisted struct {
	Update bool `json:"update"`
	Stage  bool `json:"stage"`
	Status bool `json:"status"`
	Log    bool `json:"log"`
}

// All reports whether every write succeeded.
func (p Persisted) All() bool { return p.Update && p.Stage && p.Status && p.Log }

// Response is the structured feedback returned to the caller.
type Response struct {
	DetectedStage    stage.Stage `json:"detected_stage"`
	Feedback         string      `json:"feedback"`
	Summary          string      `json:"summary"`
	SuggestedActions []string    `json:"suggested_actions"`
	UpdatedStage     bool        `json:"updated_stage"`
	CreatedUpdateID  string      `json:"created_update_id,omitempty"`
	Confidence       float64     `json:"confidence"`
	Persisted        Persisted   `json:"persisted"`
}

// normalize trims the request, applies the default role and rejects
// incomplete or unknown input.
func normalize(req Request) (Request, error) {
	req.TeamID = strings.TrimSpace(req.TeamID)
	req.Text = strings.TrimSpace(req.Text)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	req.UpdateType = strings.ToLower(strings.TrimSpace(req.UpdateType))

	if req.TeamID == "" || req.Text == "" {
		return req, apperr.Validation(MissingFieldsMessage)
	}
	if req.Role == "" {
		req.Role = shared.DefaultRole
	}
	if !shared.ValidRole(req.Role) {
		return req, apperr.Validation("Unknown role").With("role", req.Role)
	}
	switch req.UpdateType {
	case "":
		req.UpdateType = "daily"
	case "daily", "milestone", "mentor_meeting":
	default:
		return req, apperr.Validation("Unknown updateType").With("update_type", req.UpdateType)
	}
	return req, nil
}
