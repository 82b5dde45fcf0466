package models

import "time"

// AccountActivityEvent is a webhook delivery describing activity around a protected account.
type AccountActivityEvent struct {
	EventID         string    `json:"event_id" validate:"required"`
	EventType       string    `json:"event_type" validate:"required,oneof=follow mention reply direct_message profile_update"`
	ActorAccountID  string    `json:"actor_account_id" validate:"required"`
	TargetAccountID string    `json:"target_account_id" validate:"required"`
	OwnerUserID     string    `json:"owner_user_id" validate:"required"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// StreamMatch is a filtered-stream hit whose author may impersonate a protected account.
type StreamMatch struct {
	MatchID         string    `json:"match_id" validate:"required"`
	RuleTag         string    `json:"rule_tag"`
	AuthorAccountID string    `json:"author_account_id" validate:"required"`
	TargetAccountID string    `json:"target_account_id" validate:"required"`
	OwnerUserID     string    `json:"owner_user_id" validate:"required"`
	Text            string    `json:"text"`
	MatchedAt       time.Time `json:"matched_at"`
}

// ScoreCandidate asks the scoring queue to compare a (suspect, target) pair.
type ScoreCandidate struct {
	SuspectAccountID string `json:"suspect_account_id"`
	TargetAccountID  string `json:"target_account_id"`
	OwnerUserID      string `json:"owner_user_id"`
	Source           string `json:"source"`
}
