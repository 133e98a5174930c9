package mail

import (
	"time"
)

// CredentialStatus tracks where a credential is in its lifecycle.
type CredentialStatus string

const (
	StatusActive      CredentialStatus = "ACTIVE"
	StatusRefreshing  CredentialStatus = "REFRESHING"
	StatusNeedsReauth CredentialStatus = "NEEDS_REAUTH"
)

// Credential holds the OAuth state for one principal. It is mutated
// exclusively by the token manager; everyone else reads. Version is the
// optimistic-concurrency counter the store bumps on every write.
type Credential struct {
	PrincipalID  string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Status       CredentialStatus
	Version      int64
	UpdatedAt    time.Time
}

// Fresh reports whether the access token is still usable at now,
// leaving skew of headroom before the recorded expiry.
func (c *Credential) Fresh(now time.Time, skew time.Duration) bool {
	return now.Add(skew).Before(c.Expiry)
}

// Message is the normalized local copy of one remote mail.
// (PrincipalID, ProviderID) is unique; the store enforces it.
type Message struct {
	ID          int64     `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Provider    string    `json:"provider"`
	ProviderID  string    `json:"provider_id"`
	ThreadID    string    `json:"thread_id"`
	Subject     string    `json:"subject"`
	Sender      string    `json:"sender"`
	Snippet     string    `json:"snippet"`
	Body        string    `json:"body"`
	Labels      []string  `json:"labels"`
	Folder      string    `json:"folder"`
	Read        bool      `json:"read"`
	Starred     bool      `json:"starred"`
	ReceivedAt  time.Time `json:"received_at"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Cursor marks ingestion progress for one principal. It only moves
// forward: callers set it after the messages behind it are durable.
type Cursor struct {
	Value     string
	UpdatedAt time.Time
}

// Flags are the message fields flag-changing operations may touch.
// A nil field means "leave unchanged".
type Flags struct {
	Read    *bool   `json:"read"`
	Starred *bool   `json:"starred"`
	Folder  *string `json:"folder"`
}
