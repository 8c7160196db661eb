package domain

import "time"

const (
	// AutoReleaseThreshold is the minimum score for an AUTO release.
	AutoReleaseThreshold = 80
	// ManualReviewThreshold marks the start of the "manual verification recommended" band.
	ManualReviewThreshold = 60

	MaxReleaseScore = 100

	// AutoReleaseMinAge is the first age step that contributes to the score.
	AutoReleaseMinAge = 7 * 24 * time.Hour
)

// ReleaseBand is the caller-facing interpretation of a release score.
type ReleaseBand string

const (
	ReleaseBandReady        ReleaseBand = "ready_for_automatic_release"
	ReleaseBandManualReview ReleaseBand = "manual_verification_recommended"
	ReleaseBandBlocked      ReleaseBand = "insufficient_evidence"
)

// BandForScore maps a score onto its interpretation band.
func BandForScore(score int) ReleaseBand {
	switch {
	case score >= AutoReleaseThreshold:
		return ReleaseBandReady
	case score >= ManualReviewThreshold:
		return ReleaseBandManualReview
	default:
		return ReleaseBandBlocked
	}
}

// TransactionAgeDays returns whole days elapsed since the transaction was created.
// A creation time in the future counts as zero.
func TransactionAgeDays(tx *EscrowTransaction, now time.Time) int {
	if tx == nil || tx.CreatedAt.IsZero() || now.Before(tx.CreatedAt) {
		return 0
	}
	return int(now.Sub(tx.CreatedAt) / (24 * time.Hour))
}

// ComputeReleaseScore returns the 0-100 readiness score of a transaction.
// It is pure: the same inputs always yield the same score.
//
//	age >= 7d: +30, age >= 14d: +20 more
//	evidence > 0: +25, evidence >= 3: +15 more
//	completion confirmed: +40
//	rating >= 4: +20
func ComputeReleaseScore(tx *EscrowTransaction, evidenceCount int, satisfactionRating *int, now time.Time) int {
	score := 0

	age := TransactionAgeDays(tx, now)
	if age >= 7 {
		score += 30
	}
	if age >= 14 {
		score += 20
	}

	if evidenceCount > 0 {
		score += 25
	}
	if evidenceCount >= 3 {
		score += 15
	}

	if tx != nil && tx.CompletionConfirmed {
		score += 40
	}

	if satisfactionRating != nil && *satisfactionRating >= 4 {
		score += 20
	}

	if score > MaxReleaseScore {
		score = MaxReleaseScore
	}
	return score
}

// ValidRating reports whether rating is absent or within 1..5.
func ValidRating(rating *int) bool {
	return rating == nil || (*rating >= 1 && *rating <= 5)
}
