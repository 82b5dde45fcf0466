package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
)

// ImageComparer scores two profile image references in [0,1].
// Errors wrapping models.ErrNotComparable mean "no evidence"; anything else is retried.
type ImageComparer interface {
	Similarity(ctx context.Context, suspectRef, targetRef string) (float64, error)
}

// Thresholds drive the action policy. Boundaries are exclusive: a score must
// exceed a threshold to reach the next action.
type Thresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// Action maps a score to the first matching action, highest first.
func (t Thresholds) Action(score float64) models.Action {
	switch {
	case score > t.High:
		return models.ActionAutoRespond
	case score > t.Medium:
		return models.ActionFlagHigh
	case score > t.Low:
		return models.ActionQueueReview
	}
	return models.ActionIgnore
}

// Engine scores suspect accounts against protected targets.
type Engine struct {
	weights    models.Factors
	thresholds Thresholds
	images     ImageComparer
	now        func() time.Time
}

// NewEngine validates weights and thresholds. images may be nil, in which case
// the profile image sub-score is never computable.
func NewEngine(cfg config.ScoringConfig, images ImageComparer) (*Engine, error) {
	if err := config.ValidateWeights(cfg.Weights()); err != nil {
		return nil, err
	}
	if err := config.ValidateThresholds(cfg.LowThreshold, cfg.MediumThreshold, cfg.HighThreshold); err != nil {
		return nil, err
	}
	return &Engine{
		weights:    cfg.Weights(),
		thresholds: Thresholds{Low: cfg.LowThreshold, Medium: cfg.MediumThreshold, High: cfg.HighThreshold},
		images:     images,
		now:        time.Now,
	}, nil
}

// Availability marks which sub-scores could be computed for a pair.
type Availability struct {
	Username, DisplayName, ProfileImage, Metadata bool
}

func (a Availability) count() int {
	n := 0
	for _, ok := range []bool{a.Username, a.DisplayName, a.ProfileImage, a.Metadata} {
		if ok {
			n++
		}
	}
	return n
}

// Score compares suspect with target and chooses an action.
func (e *Engine) Score(ctx context.Context, suspect, target models.AccountFeatures) (models.DetectionEvent, error) {
	if strings.TrimSpace(suspect.Username) == "" {
		return models.DetectionEvent{}, &models.ValidationError{Field: "suspect.username", Reason: "empty"}
	}
	if strings.TrimSpace(target.Username) == "" {
		return models.DetectionEvent{}, &models.ValidationError{Field: "target.username", Reason: "empty"}
	}

	event := models.DetectionEvent{
		ID:               uuid.NewString(),
		SuspectAccountID: suspect.AccountID,
		TargetAccountID:  target.AccountID,
		Reasoning:        []string{},
		CreatedAt:        e.now().UTC(),
	}
	if suspect.AccountID != "" && suspect.AccountID == target.AccountID {
		event.Weights = e.weights
		event.Confidence = confidence(0, 4)
		event.Action = models.ActionIgnore
		return event, nil
	}

	var factors models.Factors
	var avail Availability

	factors.Username = UsernameSimilarity(suspect.Username, target.Username)
	avail.Username = true
	factors.DisplayName, avail.DisplayName = DisplayNameSimilarity(suspect.DisplayName, target.DisplayName)
	factors.Metadata, avail.Metadata = MetadataSimilarity(suspect, target, e.now())

	img, ok, err := e.imageSimilarity(ctx, suspect.ProfileImageRef, target.ProfileImageRef)
	if err != nil {
		return models.DetectionEvent{}, err
	}
	factors.ProfileImage, avail.ProfileImage = img, ok

	score, effective := Combine(e.weights, factors, avail)
	event.Factors = factors
	event.Weights = effective
	event.Score = score
	event.Confidence = confidence(score, avail.count())
	event.Action = e.thresholds.Action(score)
	event.Reasoning = reasoning(factors)
	return event, nil
}

func (e *Engine) imageSimilarity(ctx context.Context, suspectRef, targetRef string) (float64, bool, error) {
	if e.images == nil || suspectRef == "" || targetRef == "" {
		return 0, false, nil
	}
	v, err := e.images.Similarity(ctx, suspectRef, targetRef)
	if errors.Is(err, models.ErrNotComparable) {
		return 0, false, nil
	}
	if err != nil {
		var transient *models.TransientUpstreamError
		if errors.As(err, &transient) {
			return 0, false, err
		}
		return 0, false, &models.TransientUpstreamError{Service: "image-comparer", Err: err}
	}
	return clamp01(v), true, nil
}

// Combine redistributes the weight of unavailable sub-scores proportionally over
// the available ones and returns the weighted sum with the effective weights.
// Unavailable factors contribute 0 under a 0 weight.
func Combine(weights, factors models.Factors, avail Availability) (float64, models.Factors) {
	var effective models.Factors
	var total float64
	if avail.Username {
		total += weights.Username
	}
	if avail.DisplayName {
		total += weights.DisplayName
	}
	if avail.ProfileImage {
		total += weights.ProfileImage
	}
	if avail.Metadata {
		total += weights.Metadata
	}
	if total <= 0 {
		return 0, effective
	}
	if avail.Username {
		effective.Username = weights.Username / total
	}
	if avail.DisplayName {
		effective.DisplayName = weights.DisplayName / total
	}
	if avail.ProfileImage {
		effective.ProfileImage = weights.ProfileImage / total
	}
	if avail.Metadata {
		effective.Metadata = weights.Metadata / total
	}
	score := effective.Username*clamp01(factors.Username) +
		effective.DisplayName*clamp01(factors.DisplayName) +
		effective.ProfileImage*clamp01(factors.ProfileImage) +
		effective.Metadata*clamp01(factors.Metadata)
	return clamp01(score), effective
}

const (
	confidenceFloor   = 0.5
	confidenceCeiling = 0.95
)

// confidence is clamp(score+margin, 0.5, ceiling). Both the margin and the
// ceiling shrink as fewer of the four sub-scores are computable.
func confidence(score float64, computable int) float64 {
	missing := 4 - computable
	margin := 0.2*float64(computable)/4 - 0.1
	ceiling := confidenceCeiling - 0.05*float64(missing)
	v := score + margin
	switch {
	case v < confidenceFloor:
		return confidenceFloor
	case v > ceiling:
		return ceiling
	}
	return v
}

const reasoningThreshold = 0.7

// reasoning lists strong factors in a fixed order: username, display name, profile image, metadata.
func reasoning(f models.Factors) []string {
	out := []string{}
	if f.Username > reasoningThreshold {
		out = append(out, fmt.Sprintf("username closely resembles the target (similarity %.2f)", f.Username))
	}
	if f.DisplayName > reasoningThreshold {
		out = append(out, fmt.Sprintf("display name closely resembles the target (similarity %.2f)", f.DisplayName))
	}
	if f.ProfileImage > reasoningThreshold {
		out = append(out, fmt.Sprintf("profile image is visually similar to the target (similarity %.2f)", f.ProfileImage))
	}
	if f.Metadata > reasoningThreshold {
		out = append(out, fmt.Sprintf("account metadata matches the target profile (agreement %.2f)", f.Metadata))
	}
	return out
}
