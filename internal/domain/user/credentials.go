package user

import "time"

// Credentials is the linked booking-site account of one user. AuthToken is
// ciphertext while at rest and plaintext once the vault has opened it.
type Credentials struct {
	UserID    int64
	Email     string
	AuthToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Credentials) Linked() bool {
	return c.AuthToken != ""
}
