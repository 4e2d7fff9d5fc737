package models

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is an end user keyed by normalized phone. The raw phone is kept
// only in envelope-encrypted form; Phone is populated after decryption.
type Account struct {
	ID              int64     `db:"account_id" json:"id"`
	Phone           string    `db:"-" json:"-"`
	PhoneEncrypted  string    `db:"phone_encrypted" json:"-"`
	PhoneDEK        string    `db:"phone_dek" json:"-"`
	PhoneKeyID      string    `db:"phone_key_id" json:"-"`
	NormalizedPhone string    `db:"normalized_phone" json:"phone"`
	FirstName       string    `db:"first_name" json:"first_name"`
	LastName        string    `db:"last_name" json:"last_name,omitempty"`
	Role            Role      `db:"role" json:"role"`
	IsVerified      bool      `db:"is_verified" json:"is_verified"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	IsBlocked       bool      `db:"is_blocked" json:"is_blocked"`
	LastLoginAt     time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// IsUsable reports whether the account may perform privileged operations
func (a *Account) IsUsable() bool {
	return a.IsVerified && a.IsActive && !a.IsBlocked
}

func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}
