package models

import "time"

// User is the slice of the account record the rewards core reads. Accounts are
// created by the login flow; the core only links identities and marks merges.
type User struct {
	ID               string    `json:"id" example:"5f1c9f1e-8a3c-4d1f-9a55-2b7c1f0d9e11"`
	DisplayName      string    `json:"display_name" example:"rubini"`
	ExternalIdentity *string   `json:"external_identity,omitempty" example:"rubini"`
	ExternalUsername *string   `json:"external_username,omitempty" example:"Rubini"`
	MergedInto       *string   `json:"merged_into,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
