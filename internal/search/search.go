// Package search narrows the note list by tag membership and body text.
package search

import (
	"regexp"
	"strings"
	"unicode"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"notebook/api/internal/scope"
)

var tagIDPattern = regexp.MustCompile(`[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}`)

// ExtractTagIDs returns every UUID-shaped substring of expr in order.
// Anything between them is a separator, whatever it is.
func ExtractTagIDs(expr string) []uuid.UUID {
	matches := tagIDPattern.FindAllString(expr, -1)
	ids := make([]uuid.UUID, 0, len(matches))
	for _, match := range matches {
		// The pattern only admits canonical hex groups, so Parse cannot fail.
		ids = append(ids, uuid.MustParse(match))
	}
	return ids
}

// SearchTerms splits the search parameter on whitespace and commas. NUL
// characters are dropped rather than treated as separators.
func SearchTerms(raw string) []string {
	raw = strings.ReplaceAll(raw, "\x00", "")
	return strings.FieldsFunc(raw, isTermSeparator)
}

// isTermSeparator also accepts the ASCII file, group, record and unit
// separators, which count as whitespace when splitting query strings.
func isTermSeparator(r rune) bool {
	return r == ',' || unicode.IsSpace(r) || (r >= '\x1c' && r <= '\x1f')
}

// NoteFilter is one note-list request: who asks, and what they asked for.
type NoteFilter struct {
	Requester scope.Requester
	Search    string
	TagExpr   string
}

// Apply narrows a select over "notes n". Each tag is its own conjunctive step
// and additionally pins the notes to the requester, so a tag-filtered list
// never contains another author's public notes. The visibility scope and the
// body terms follow.
func (f NoteFilter) Apply(b sq.SelectBuilder) sq.SelectBuilder {
	for _, id := range ExtractTagIDs(f.TagExpr) {
		b = b.Where(sq.Expr(
			"EXISTS (SELECT 1 FROM note_tags ft WHERE ft.note_id = n.id AND ft.tag_uuid = ?)",
			id.String(),
		)).Where(scope.OwnedNotes(f.Requester))
	}

	b = b.Where(scope.VisibleNotes(f.Requester))

	for _, term := range SearchTerms(f.Search) {
		b = b.Where(sq.ILike{"n.body": "%" + escapeLike(term) + "%"})
	}
	return b
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE metacharacters; PostgreSQL's default escape is '\'.
func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}
