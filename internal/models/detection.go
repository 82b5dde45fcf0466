package models

import "time"

// Action is the response chosen by the action policy.
type Action string

const (
	ActionIgnore      Action = "ignore"
	ActionQueueReview Action = "queue_review"
	ActionFlagHigh    Action = "flag_high"
	ActionAutoRespond Action = "auto_respond"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionIgnore, ActionQueueReview, ActionFlagHigh, ActionAutoRespond:
		return true
	}
	return false
}

// Alerts reports whether a detection with this action notifies the account owner.
func (a Action) Alerts() bool {
	return a == ActionFlagHigh || a == ActionAutoRespond
}

// AccountFeatures are the comparable attributes of an account profile.
type AccountFeatures struct {
	AccountID       string    `json:"account_id"`
	Username        string    `json:"username"`
	DisplayName     string    `json:"display_name"`
	ProfileImageRef string    `json:"profile_image_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	FollowerCount   *int64    `json:"follower_count,omitempty"`
	Verified        *bool     `json:"verified,omitempty"`
}

// Factors holds the four similarity sub-scores, each in [0,1].
type Factors struct {
	Username     float64 `json:"username"`
	DisplayName  float64 `json:"display_name"`
	ProfileImage float64 `json:"profile_image"`
	Metadata     float64 `json:"metadata"`
}

// DetectionEvent is the outcome of scoring a suspect against a protected target.
type DetectionEvent struct {
	ID               string    `json:"id"`
	SuspectAccountID string    `json:"suspect_account_id"`
	TargetAccountID  string    `json:"target_account_id"`
	Score            float64   `json:"score"`
	Confidence       float64   `json:"confidence"`
	Factors          Factors   `json:"factors"`
	Weights          Factors   `json:"weights"`
	Reasoning        []string  `json:"reasoning"`
	Action           Action    `json:"action"`
	Reviewed         bool      `json:"reviewed"`
	ReviewNotes      string    `json:"review_notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// DetectionFilter narrows FindByTarget results.
type DetectionFilter struct {
	Action   Action
	Reviewed *bool
	Since    time.Time
	MinScore float64
	Limit    int
}
