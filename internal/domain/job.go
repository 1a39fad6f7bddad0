package domain

import "time"

// JobState is the lifecycle state of a transcription job.
type JobState string

// Job states.
const (
	JobQueued      JobState = "queued"
	JobRunning     JobState = "running"
	JobDone        JobState = "done"
	JobFailedRetry JobState = "failed_retry_later"
)

// TranscriptionJob tracks one book's transcription work. Jobs are resumable:
// completed chunk files on disk are skipped when a job restarts.
type TranscriptionJob struct {
	ID          string   `json:"id"`
	BookID      string   `json:"book_id"`
	State       JobState `json:"state"`
	RetryCount  int      `json:"retry_count"`
	LastError   string   `json:"last_error,omitempty"`
	LastAttempt float64  `json:"last_attempt"` // seconds since epoch, 0 = never
	Progress    float64  `json:"progress"`     // 0.0-1.0
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EligibleForRetry reports whether a failed job may run again.
func (j *TranscriptionJob) EligibleForRetry(now time.Time, maxRetries int, retryDelay time.Duration) bool {
	if j.State != JobFailedRetry {
		return false
	}
	if j.RetryCount >= maxRetries {
		return false
	}
	last := time.Unix(int64(j.LastAttempt), 0)
	return now.Sub(last) > retryDelay
}

// SuggestionDisposition records what the user did with a suggestion.
type SuggestionDisposition string

// Suggestion dispositions.
const (
	SuggestionPending   SuggestionDisposition = "pending"
	SuggestionDismissed SuggestionDisposition = "dismissed"
	SuggestionIgnored   SuggestionDisposition = "ignored"
)

// SuggestionMatch is one ebook candidate for an unmapped audiobook.
type SuggestionMatch struct {
	Source     string `json:"source"` // "library" or "booklore"
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Filename   string `json:"filename"`
	ExternalID string `json:"external_id,omitempty"`
	Confidence string `json:"confidence"` // "high" or "medium"
}

// Suggestion proposes mapping an unmapped audiobook with listening progress
// to one or more ebook candidates.
type Suggestion struct {
	ID          string                `json:"id"`
	SourceID    string                `json:"source_id"` // audiobook item id
	Title       string                `json:"title"`
	Author      string                `json:"author,omitempty"`
	Progress    float64               `json:"progress"`
	Matches     []SuggestionMatch     `json:"matches"`
	Disposition SuggestionDisposition `json:"disposition"`
	CreatedAt   time.Time             `json:"created_at"`
}
