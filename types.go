package fixfinder

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err converts a non-OK result into a Go error.
func (r *APIResult) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus distinguishes the two phases of a message record: a locally
// created record waiting for the server (pending, identified by LocalID) and
// a server-acknowledged record (confirmed, identified by ID).
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// MessageKind tags the content payload of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
	KindMedia    MessageKind = "media"
	KindSystem   MessageKind = "system"
)

// Position is a geographic fix.
type Position struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// ContactCard is a shared contact payload.
type ContactCard struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// MediaRef points at an uploaded media object.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Content is the tagged message payload. Exactly the field matching the
// message kind is set; the rest stay nil/empty.
type Content struct {
	Text     string       `json:"text,omitempty"`
	Location *Position    `json:"location,omitempty"`
	Contact  *ContactCard `json:"contact,omitempty"`
	Media    []MediaRef   `json:"media,omitempty"`
}

// Message is a single conversation message. A pending message carries only
// LocalID; confirmation swaps in the server ID and flips Status. A soft
// deleted message keeps identity and timestamps but no renderable content.
type Message struct {
	ID             string        `json:"id,omitempty"`
	LocalID        string        `json:"localId,omitempty"`
	Status         MessageStatus `json:"status"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Kind           MessageKind   `json:"kind"`
	Content        Content       `json:"content"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Deleted        bool          `json:"deleted,omitempty"`
	DeletedAt      time.Time     `json:"deletedAt,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
	EditedAt       time.Time     `json:"editedAt,omitempty"`
	Read           bool          `json:"read,omitempty"`
}

// Key returns the identity used for ordering and dedup: the server id once
// confirmed, the local id before that.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// Optimistic reports whether the message is still awaiting confirmation.
func (m *Message) Optimistic() bool {
	return m.Status == StatusPending
}

// SendMessageRequest is the payload for Messages.Send.
type SendMessageRequest struct {
	Kind    MessageKind `json:"kind"`
	Content Content     `json:"content"`
	ReplyTo string      `json:"replyTo,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is a conversation member snapshot.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role"` // "requester" or "professional"
}

// ConversationInfo is the server record for a conversation.
type ConversationInfo struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Job          *Job          `json:"job,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
}

// HistoryOptions paginates Conversations.Messages.
type HistoryOptions struct {
	Limit  int
	Before string
}

// ============================================================================
// Presence & Location
// ============================================================================

// Presence is the last known online state for a user.
type Presence struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// SharedLocation is the live position of a sharing peer, plus a display
// snapshot captured when the share started. At most one entry per user.
type SharedLocation struct {
	UserID      string    `json:"userId"`
	Position    Position  `json:"position"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ============================================================================
// Jobs
// ============================================================================

// JobState is the canonical job lifecycle state.
type JobState string

const (
	JobStateNone           JobState = ""
	JobStateRequested      JobState = "job_requested"
	JobStateInProgress     JobState = "in_progress"
	JobStateCompletedByPro JobState = "completed_by_pro"
	JobStateClosed         JobState = "closed"
	JobStateCancelled      JobState = "cancelled"
)

// Terminal reports whether no further transitions are accepted.
func (s JobState) Terminal() bool {
	return s == JobStateClosed || s == JobStateCancelled
}

// Job is the service job attached to a conversation. State is the canonical
// lifecycle field; LegacyStatus is a free-text status kept for older records.
// When both are present and disagree, State is authoritative; LegacyStatus
// is only consulted when State is empty (see DeriveState).
type Job struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	State          JobState  `json:"state,omitempty"`
	LegacyStatus   string    `json:"status,omitempty"`
	Title          string    `json:"title,omitempty"`
	Description    string    `json:"description,omitempty"`
	CancelReason   string    `json:"cancelReason,omitempty"`
	RequesterID    string    `json:"requesterId"`
	ProfessionalID string    `json:"professionalId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

// DeriveState normalizes the job's lifecycle state. The canonical field wins
// whenever it is set; otherwise the legacy status string is mapped, and an
// unknown or missing value means "no active job".
func (j *Job) DeriveState() JobState {
	if j == nil {
		return JobStateNone
	}
	if j.State != JobStateNone {
		return j.State
	}
	switch j.LegacyStatus {
	case "pending":
		return JobStateRequested
	case "in progress":
		return JobStateInProgress
	case "completed":
		return JobStateClosed
	case "cancelled":
		return JobStateCancelled
	default:
		return JobStateNone
	}
}

// JobRequest is the payload for Jobs.Request.
type JobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ============================================================================
// Reviews
// ============================================================================

// CreateReviewRequest is the payload for Reviews.Create.
type CreateReviewRequest struct {
	ProfessionalID string `json:"professionalId"`
	JobID          string `json:"jobId"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment,omitempty"`
}

// Review is a submitted review record.
type Review struct {
	ID             string    `json:"id"`
	JobID          string    `json:"jobId"`
	ReviewerID     string    `json:"reviewerId"`
	ProfessionalID string    `json:"professionalId"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
