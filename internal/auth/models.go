package auth

import (
	"time"
)

// Principal is a registered end user. Address is the mailbox the
// mirror follows; this subsystem never deletes principals.
type Principal struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
