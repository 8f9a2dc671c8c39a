package acquire

import (
	"context"
	"time"
)

// TierFetcher retrieves a resource using one retrieval strategy.
type TierFetcher interface {
	Tier() Tier
	Fetch(ctx context.Context, request ResourceRequest) (FetchResult, error)
}

// CredentialGated is implemented by tier fetchers that cannot work anonymously.
type CredentialGated interface {
	RequiresCredential() bool
}

// ChallengeDetector judges whether fetched content is real content or a block page.
type ChallengeDetector interface {
	Inspect(result FetchResult) Verdict
}

// Extractor turns raw fetched content into an extraction outcome.
type Extractor interface {
	Extract(raw FetchResult) ExtractionOutcome
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
