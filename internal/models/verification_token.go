package models

import "time"

// VerificationToken gates a data-subject request. The code is stored only as
// an argon2id hash.
type VerificationToken struct {
	ID               string     `json:"id" db:"id"`
	Email            string     `json:"email" db:"email"`
	CodeHash         string     `json:"-" db:"code_hash"`
	CodeSalt         string     `json:"-" db:"code_salt"`
	PepperVersion    int        `json:"-" db:"pepper_version"`
	RelatedRequestID string     `json:"relatedRequestId,omitempty" db:"related_request_id"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt        time.Time  `json:"expiresAt" db:"expires_at"`
	VerifiedAt       *time.Time `json:"verifiedAt,omitempty" db:"verified_at"`
	Attempts         int        `json:"attempts" db:"attempts"`
	SourceAddress    string     `json:"sourceAddress,omitempty" db:"source_address"`
}

func (t *VerificationToken) IsVerified() bool {
	return t.VerifiedAt != nil
}

func (t *VerificationToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
