// Package domain contains the core types shared across the sync bridge.
package domain

import "time"

// SyncMode controls which client families participate in a mapping's cycles.
type SyncMode string

// Sync modes.
const (
	SyncModeAudiobook SyncMode = "audiobook"
	SyncModeEbookOnly SyncMode = "ebook_only"
)

// MappingStatus is the lifecycle state of a book mapping.
// Only StatusActive is syncable.
type MappingStatus string

// Mapping lifecycle states.
const (
	StatusPending        MappingStatus = "pending"
	StatusProcessing     MappingStatus = "processing"
	StatusActive         MappingStatus = "active"
	StatusFailedRetry    MappingStatus = "failed_retry_later"
	StatusFailedPermanent MappingStatus = "failed_permanent"
	StatusDisabled       MappingStatus = "disabled"
)

// AlignmentSource records where a mapping's alignment map came from.
type AlignmentSource string

// Alignment sources.
const (
	AlignmentNone        AlignmentSource = ""
	AlignmentTranscript  AlignmentSource = "transcript"
	AlignmentStoryteller AlignmentSource = "storyteller"
)

// Mapping links an audiobook identifier to its ebook representations and
// carries the metadata governing synchronization. At most one mapping
// exists per BookID.
type Mapping struct {
	BookID          string          `json:"book_id"`
	Title           string          `json:"title"`
	Author          string          `json:"author,omitempty"`
	SyncMode        SyncMode        `json:"sync_mode"`
	Status          MappingStatus   `json:"status"`
	EbookFilename   string          `json:"ebook_filename,omitempty"`
	KosyncDocID     string          `json:"kosync_doc_id,omitempty"`
	StorytellerUUID string          `json:"storyteller_uuid,omitempty"`
	BookloreID      string          `json:"booklore_id,omitempty"`
	HardcoverID     string          `json:"hardcover_id,omitempty"`
	AlignmentSource AlignmentSource `json:"alignment_source,omitempty"`
	Duration        float64         `json:"duration,omitempty"` // audiobook length in seconds
	FailureCount    int             `json:"failure_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Touch updates the UpdatedAt timestamp to the current time.
func (m *Mapping) Touch() {
	m.UpdatedAt = time.Now()
}

// Syncable reports whether the mapping participates in sync cycles.
func (m *Mapping) Syncable() bool {
	return m.Status == StatusActive
}

// HasAlignment reports whether an alignment artifact is attached.
func (m *Mapping) HasAlignment() bool {
	return m.AlignmentSource != AlignmentNone
}

// ExternalID returns the mapping's identifier in the given client's
// namespace, or "" when the client has none configured for this book.
func (m *Mapping) ExternalID(client ClientName) string {
	switch client {
	case ClientABS:
		return m.BookID
	case ClientKoSync:
		return m.KosyncDocID
	case ClientStoryteller:
		return m.StorytellerUUID
	case ClientBooklore:
		return m.BookloreID
	case ClientHardcover:
		return m.HardcoverID
	default:
		return ""
	}
}
