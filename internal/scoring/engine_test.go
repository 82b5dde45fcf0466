package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
)

type fakeImages struct {
	score float64
	err   error
	calls int
}

func (f *fakeImages) Similarity(context.Context, string, string) (float64, error) {
	f.calls++
	return f.score, f.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, images ImageComparer) *Engine {
	t.Helper()
	e, err := NewEngine(config.Defaults().Scoring, images)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.now = func() time.Time { return fixedNow }
	return e
}

func ptr[T any](v T) *T { return &v }

func account(id, username, display string) models.AccountFeatures {
	return models.AccountFeatures{
		AccountID:       id,
		Username:        username,
		DisplayName:     display,
		ProfileImageRef: "https://img.example/" + id + ".png",
		CreatedAt:       fixedNow.AddDate(-4, 0, 0),
		FollowerCount:   ptr(int64(50_000)),
		Verified:        ptr(false),
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSelfComparisonIsIgnored(t *testing.T) {
	e := newTestEngine(t, &fakeImages{score: 1})
	a := account("42", "acme", "Acme Inc")

	event, err := e.Score(context.Background(), a, a)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if event.Score != 0 || event.Action != models.ActionIgnore {
		t.Fatalf("expected score 0 / ignore, got %f / %s", event.Score, event.Action)
	}
}

func TestEmptyUsernameRejected(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.Score(context.Background(), account("1", "  ", "x"), account("2", "acme", "Acme"))
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestActionBoundariesAreExclusive(t *testing.T) {
	th := Thresholds{Low: 0.3, Medium: 0.6, High: 0.8}
	cases := []struct {
		score float64
		want  models.Action
	}{
		{0.0, models.ActionIgnore},
		{0.30, models.ActionIgnore},
		{0.31, models.ActionQueueReview},
		{0.59, models.ActionQueueReview},
		{0.60, models.ActionQueueReview},
		{0.61, models.ActionFlagHigh},
		{0.80, models.ActionFlagHigh},
		{0.81, models.ActionAutoRespond},
		{1.0, models.ActionAutoRespond},
	}
	for _, tc := range cases {
		if got := th.Action(tc.score); got != tc.want {
			t.Fatalf("score %.2f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func randomWeights(r *rand.Rand) models.Factors {
	w := [4]float64{r.Float64(), r.Float64(), r.Float64(), r.Float64()}
	sum := w[0] + w[1] + w[2] + w[3]
	return models.Factors{Username: w[0] / sum, DisplayName: w[1] / sum, ProfileImage: w[2] / sum, Metadata: w[3] / sum}
}

func randomFactors(r *rand.Rand) models.Factors {
	return models.Factors{Username: r.Float64(), DisplayName: r.Float64(), ProfileImage: r.Float64(), Metadata: r.Float64()}
}

func TestCombineStaysInRangeAndReproducesScore(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		w := randomWeights(r)
		f := randomFactors(r)
		avail := Availability{Username: true, DisplayName: r.Intn(2) == 0, ProfileImage: r.Intn(2) == 0, Metadata: r.Intn(2) == 0}

		score, eff := Combine(w, f, avail)
		if score < 0 || score > 1 {
			t.Fatalf("score out of range: %f (w=%+v f=%+v)", score, w, f)
		}
		sumW := eff.Username + eff.DisplayName + eff.ProfileImage + eff.Metadata
		if !almostEqual(sumW, 1) {
			t.Fatalf("effective weights sum to %f", sumW)
		}
		dot := eff.Username*f.Username + eff.DisplayName*f.DisplayName + eff.ProfileImage*f.ProfileImage + eff.Metadata*f.Metadata
		if !almostEqual(dot, score) {
			t.Fatalf("weights do not reproduce score: %f vs %f", dot, score)
		}
	}
}

func TestCombineIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	all := Availability{Username: true, DisplayName: true, ProfileImage: true, Metadata: true}
	bump := []func(*models.Factors, float64){
		func(f *models.Factors, d float64) { f.Username = math.Min(1, f.Username+d) },
		func(f *models.Factors, d float64) { f.DisplayName = math.Min(1, f.DisplayName+d) },
		func(f *models.Factors, d float64) { f.ProfileImage = math.Min(1, f.ProfileImage+d) },
		func(f *models.Factors, d float64) { f.Metadata = math.Min(1, f.Metadata+d) },
	}
	for i := 0; i < 500; i++ {
		w := randomWeights(r)
		f := randomFactors(r)
		before, _ := Combine(w, f, all)
		for _, inc := range bump {
			g := f
			inc(&g, r.Float64())
			after, _ := Combine(w, g, all)
			if after < before-1e-12 {
				t.Fatalf("raising a factor lowered the score: %f -> %f", before, after)
			}
		}
	}
}

func TestScoreIsIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeImages{score: 0.8})
	suspect := account("1", "acme_support", "Acme Support")
	target := account("2", "acme", "Acme")

	first, err := e.Score(context.Background(), suspect, target)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	second, _ := e.Score(context.Background(), suspect, target)

	first.ID, second.ID = "", ""
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical events:\n%+v\n%+v", first, second)
	}
}

func TestMissingImageRedistributesWeight(t *testing.T) {
	images := &fakeImages{score: 1}
	e := newTestEngine(t, images)
	suspect := account("1", "acme", "Acme")
	target := account("2", "acme", "Acme")
	suspect.ProfileImageRef = ""

	event, err := e.Score(context.Background(), suspect, target)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if images.calls != 0 {
		t.Fatalf("comparer should not be called without a reference")
	}
	if event.Factors.ProfileImage != 0 || event.Weights.ProfileImage != 0 {
		t.Fatalf("expected no image evidence, got %+v / %+v", event.Factors, event.Weights)
	}
	if !almostEqual(event.Weights.Username, 0.35/0.75) || !almostEqual(event.Weights.Metadata, 0.15/0.75) {
		t.Fatalf("unexpected redistribution %+v", event.Weights)
	}
	if !almostEqual(event.Score, 1) {
		t.Fatalf("identical remaining features should score 1, got %f", event.Score)
	}
	if event.Confidence > 0.9+1e-9 {
		t.Fatalf("confidence ceiling should drop with a missing feature, got %f", event.Confidence)
	}
}

func TestImageErrors(t *testing.T) {
	suspect := account("1", "acme", "Acme")
	target := account("2", "acme", "Acme")

	e := newTestEngine(t, &fakeImages{err: fmt.Errorf("decode: %w", models.ErrNotComparable)})
	event, err := e.Score(context.Background(), suspect, target)
	if err != nil || event.Weights.ProfileImage != 0 {
		t.Fatalf("expected not-comparable image to be skipped, got %+v err=%v", event.Weights, err)
	}

	e = newTestEngine(t, &fakeImages{err: errors.New("connection refused")})
	_, err = e.Score(context.Background(), suspect, target)
	var transient *models.TransientUpstreamError
	if !errors.As(err, &transient) || !models.IsRetryable(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
}

func TestReasoningOrder(t *testing.T) {
	e := newTestEngine(t, &fakeImages{score: 0.95})
	event, err := e.Score(context.Background(), account("1", "acme", "Acme"), account("2", "acme", "Acme"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	prefixes := []string{"username", "display name", "profile image", "account metadata"}
	if len(event.Reasoning) != len(prefixes) {
		t.Fatalf("expected %d reasons, got %v", len(prefixes), event.Reasoning)
	}
	for i, p := range prefixes {
		if !strings.HasPrefix(event.Reasoning[i], p) {
			t.Fatalf("reason %d = %q, want prefix %q", i, event.Reasoning[i], p)
		}
	}
	if event.Action != models.ActionAutoRespond {
		t.Fatalf("expected auto_respond, got %s", event.Action)
	}

	weak, _ := e.Score(context.Background(), account("1", "zzz", "Q"), account("2", "acme", "Acme"))
	for _, r := range weak.Reasoning {
		if strings.HasPrefix(r, "username") || strings.HasPrefix(r, "display name") {
			t.Fatalf("weak textual factors should not be explained: %v", weak.Reasoning)
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	if got := confidence(1, 4); !almostEqual(got, 0.95) {
		t.Fatalf("full evidence ceiling: %f", got)
	}
	if got := confidence(0, 1); got != 0.5 {
		t.Fatalf("floor: %f", got)
	}
	if got := confidence(0.9, 2); !almostEqual(got, 0.85) {
		t.Fatalf("two missing features should cap at 0.85, got %f", got)
	}
	if got := confidence(0.6, 4); !almostEqual(got, 0.7) {
		t.Fatalf("expected score plus margin, got %f", got)
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := config.Defaults().Scoring
	cfg.UsernameWeight = 0.5
	var cerr *models.ConfigurationError
	if _, err := NewEngine(cfg, nil); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for skewed weights, got %v", err)
	}

	cfg = config.Defaults().Scoring
	cfg.MediumThreshold = 0.9
	if _, err := NewEngine(cfg, nil); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for unordered thresholds, got %v", err)
	}
}

func TestUsernameSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"JohnDoe", "  johndoe ", 1},
		{"john", "jon", 0.75},
		{"abc", "xyz", 0},
		{"elon", "e1on", 0.75},
	}
	for _, tc := range cases {
		if got := UsernameSimilarity(tc.a, tc.b); !almostEqual(got, tc.want) {
			t.Fatalf("UsernameSimilarity(%q,%q) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDisplayNameSimilarityStripsPunctuation(t *testing.T) {
	if got, ok := DisplayNameSimilarity("J.o.h.n  Doe!", "John Doe"); !ok || got != 1 {
		t.Fatalf("expected punctuation tricks to normalise away, got %f ok=%v", got, ok)
	}
	if _, ok := DisplayNameSimilarity("!!!", "John"); ok {
		t.Fatalf("expected empty normalised name to be not computable")
	}
}

func TestMetadataSimilarity(t *testing.T) {
	base := account("1", "a", "A")
	same := account("2", "b", "B")
	if got, ok := MetadataSimilarity(base, same, fixedNow); !ok || got != 1 {
		t.Fatalf("expected full agreement, got %f ok=%v", got, ok)
	}

	other := same
	other.FollowerCount = ptr(int64(500_000))
	other.Verified = ptr(true)
	if got, _ := MetadataSimilarity(base, other, fixedNow); !almostEqual(got, 0.5) {
		t.Fatalf("expected adjacent follower bucket and verified mismatch to give 0.5, got %f", got)
	}

	if _, ok := MetadataSimilarity(models.AccountFeatures{Username: "a"}, models.AccountFeatures{Username: "b"}, fixedNow); ok {
		t.Fatalf("expected no metadata to be not computable")
	}
}
