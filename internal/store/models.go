package store

import (
	"time"

	"github.com/google/uuid"
)

type Author struct {
	ID           int64
	Username     string
	PasswordHash string
	IsActive     bool
	DateJoined   time.Time
}

// Credential is an author together with the single token issued to them.
type Credential struct {
	Author Author
	Token  string
}

type Tag struct {
	UUID  uuid.UUID
	Title string
}

type Note struct {
	ID       int64
	Title    string
	Body     string
	AuthorID int64
	IsPublic bool
	// Tags is sorted by UUID text.
	Tags []uuid.UUID
}

// NotePatch carries the fields of a partial update; nil means "leave as is".
type NotePatch struct {
	Title    *string
	Body     *string
	IsPublic *bool
	Tags     *[]uuid.UUID
}
