// Package scope decides which notes and tags a requester may see or change.
// Every decision is a squirrel predicate against the aliases used by the
// store: notes are "n", tags are "t".
package scope

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// Requester is either Anonymous or Author. The unexported method seals the set.
type Requester interface {
	isRequester()
}

type Anonymous struct{}

type Author struct {
	ID int64
}

func (Anonymous) isRequester() {}
func (Author) isRequester()    {}

// nothing matches no row. Used where anonymous requesters own nothing.
var nothing = sq.Expr("1 = 0")

// VisibleNotes is the read scope of the note list.
func VisibleNotes(r Requester) sq.Sqlizer {
	switch r := r.(type) {
	case Anonymous:
		return sq.Eq{"n.is_public": true}
	case Author:
		return sq.Or{
			sq.Eq{"n.author_id": r.ID},
			sq.Eq{"n.is_public": true},
		}
	default:
		panic(fmt.Sprintf("scope: unhandled requester %T", r))
	}
}

// OwnedNotes is the detail/update/delete scope. It is strictly narrower than
// VisibleNotes so a public note of someone else reads as missing.
func OwnedNotes(r Requester) sq.Sqlizer {
	switch r := r.(type) {
	case Anonymous:
		return nothing
	case Author:
		return sq.Eq{"n.author_id": r.ID}
	default:
		panic(fmt.Sprintf("scope: unhandled requester %T", r))
	}
}

// VisibleTags limits tag detail to tags on at least one owned note. Tag
// listing does not use it.
func VisibleTags(r Requester) sq.Sqlizer {
	switch r := r.(type) {
	case Anonymous:
		return nothing
	case Author:
		return sq.Expr(`EXISTS (
			SELECT 1 FROM note_tags vt
			JOIN notes vn ON vn.id = vt.note_id
			WHERE vt.tag_uuid = t.uuid AND vn.author_id = ?)`, r.ID)
	default:
		panic(fmt.Sprintf("scope: unhandled requester %T", r))
	}
}
