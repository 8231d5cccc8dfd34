package models

import "github.com/google/uuid"

// UserSummary is the display data the messaging core reads from the user
// directory. Users themselves are owned by the auth subsystem.
type UserSummary struct {
	ID              uuid.UUID `json:"id" db:"id"`
	DisplayName     string    `json:"displayName" db:"display_name"`
	ProfileImageURL *string   `json:"profileImageUrl,omitempty" db:"profile_image_url"`
}
