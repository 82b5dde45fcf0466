package scoring

import (
	"time"

	"impersonation-detector/internal/models"
)

var (
	ageBucketsDays  = []float64{30, 180, 365, 3 * 365}
	followerBuckets = []int64{100, 1_000, 10_000, 100_000, 1_000_000}
)

func ageBucket(created, now time.Time) int {
	days := now.Sub(created).Hours() / 24
	for i, limit := range ageBucketsDays {
		if days < limit {
			return i
		}
	}
	return len(ageBucketsDays)
}

func followerBucket(n int64) int {
	for i, limit := range followerBuckets {
		if n < limit {
			return i
		}
	}
	return len(followerBuckets)
}

// bucketAgreement is 1 for the same bucket, 0.5 for neighbours and 0 otherwise.
func bucketAgreement(a, b int) float64 {
	switch d := a - b; {
	case d == 0:
		return 1
	case d == 1 || d == -1:
		return 0.5
	}
	return 0
}

// MetadataSimilarity averages agreement on account age, follower bucket and
// verification status over whichever of those are known for both accounts.
// ok is false when none are.
func MetadataSimilarity(suspect, target models.AccountFeatures, now time.Time) (score float64, ok bool) {
	var sum float64
	var n int
	if !suspect.CreatedAt.IsZero() && !target.CreatedAt.IsZero() {
		sum += bucketAgreement(ageBucket(suspect.CreatedAt, now), ageBucket(target.CreatedAt, now))
		n++
	}
	if suspect.FollowerCount != nil && target.FollowerCount != nil {
		sum += bucketAgreement(followerBucket(*suspect.FollowerCount), followerBucket(*target.FollowerCount))
		n++
	}
	if suspect.Verified != nil && target.Verified != nil {
		if *suspect.Verified == *target.Verified {
			sum++
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	return clamp01(sum / float64(n)), true
}
