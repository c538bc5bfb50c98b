package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"notebook/api/internal/auth"
	"notebook/api/internal/scope"
	"notebook/api/internal/search"
)

// newIntegrationStore migrates and empties the database named by
// NOTES_TEST_DATABASE_URL; without it the test is skipped.
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("NOTES_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("NOTES_TEST_DATABASE_URL not set")
	}

	require.NoError(t, ApplyMigrations(databaseURL))
	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `TRUNCATE note_tags, notes, tags, auth_tokens, authors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func seedAuthor(t *testing.T, s *PostgresStore, username string) Credential {
	t.Helper()
	key, err := auth.NewKey()
	require.NoError(t, err)
	cred, err := s.CreateAuthor(context.Background(), username, "hash", key)
	require.NoError(t, err)
	return cred
}

func seedNote(t *testing.T, s *PostgresStore, author int64, public bool, body string, tags ...uuid.UUID) Note {
	t.Helper()
	if tags == nil {
		tags = []uuid.UUID{}
	}
	note, err := s.CreateNote(context.Background(), Note{
		Title:    "note",
		Body:     body,
		AuthorID: author,
		IsPublic: public,
		Tags:     tags,
	})
	require.NoError(t, err)
	return note
}

func seedTag(t *testing.T, s *PostgresStore, title string) uuid.UUID {
	t.Helper()
	tag, err := s.CreateTag(context.Background(), Tag{Title: title})
	require.NoError(t, err)
	return tag.UUID
}

func listIDs(t *testing.T, s *PostgresStore, filter search.NoteFilter) []int64 {
	t.Helper()
	notes, err := s.ListNotes(context.Background(), filter)
	require.NoError(t, err)
	ids := make([]int64, 0, len(notes))
	for _, n := range notes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestAnonymousListsOnlyPublicNotes(t *testing.T) {
	s := newIntegrationStore(t)
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")

	for i := 0; i < 5; i++ {
		seedNote(t, s, alice.Author.ID, false, fmt.Sprintf("private %d", i))
		seedNote(t, s, alice.Author.ID, true, fmt.Sprintf("public %d", i))
		seedNote(t, s, bob.Author.ID, false, fmt.Sprintf("bob %d", i))
	}

	notes, err := s.ListNotes(context.Background(), search.NoteFilter{Requester: scope.Anonymous{}})
	require.NoError(t, err)
	require.Len(t, notes, 5)
	for _, n := range notes {
		require.True(t, n.IsPublic)
	}
}

func TestAuthorListsOwnAndPublicNotes(t *testing.T) {
	s := newIntegrationStore(t)
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")

	for i := 0; i < 5; i++ {
		seedNote(t, s, alice.Author.ID, false, "mine")
		seedNote(t, s, bob.Author.ID, false, "theirs")
	}
	require.Len(t, listIDs(t, s, search.NoteFilter{Requester: scope.Author{ID: alice.Author.ID}}), 5)

	public := seedNote(t, s, bob.Author.ID, true, "shared")
	ids := listIDs(t, s, search.NoteFilter{Requester: scope.Author{ID: alice.Author.ID}})
	require.Len(t, ids, 6)
	require.Contains(t, ids, public.ID)
}

func TestTagFilterIsConjunctiveAndOwnerOnly(t *testing.T) {
	s := newIntegrationStore(t)
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")
	tagA := seedTag(t, s, "a")
	tagB := seedTag(t, s, "b")

	both := seedNote(t, s, alice.Author.ID, false, "both", tagA, tagB)
	onlyA := seedNote(t, s, alice.Author.ID, true, "only a", tagA)
	seedNote(t, s, alice.Author.ID, false, "only b", tagB)
	seedNote(t, s, alice.Author.ID, false, "untagged")
	seedNote(t, s, bob.Author.ID, true, "bob public a", tagA)

	as := scope.Author{ID: alice.Author.ID}
	require.Equal(t, []int64{both.ID}, listIDs(t, s, search.NoteFilter{Requester: as, TagExpr: tagA.String() + "+" + tagB.String()}))
	require.Equal(t, []int64{both.ID, onlyA.ID}, listIDs(t, s, search.NoteFilter{Requester: as, TagExpr: tagA.String()}))
	require.Len(t, listIDs(t, s, search.NoteFilter{Requester: as}), 5)
	require.Empty(t, listIDs(t, s, search.NoteFilter{Requester: as, TagExpr: uuid.NewString()}))
	require.Len(t, listIDs(t, s, search.NoteFilter{Requester: as, TagExpr: "no ids here"}), 5)
	require.Empty(t, listIDs(t, s, search.NoteFilter{Requester: scope.Anonymous{}, TagExpr: tagA.String()}))
}

func TestSearchMatchesBodySubstrings(t *testing.T) {
	s := newIntegrationStore(t)
	alice := seedAuthor(t, s, "alice")
	tag := seedTag(t, s, "t")

	first := seedNote(t, s, alice.Author.ID, false, "test this body", tag)
	second := seedNote(t, s, alice.Author.ID, false, "This is the second test")
	for i := 0; i < 5; i++ {
		seedNote(t, s, alice.Author.ID, false, fmt.Sprintf("unrelated %d", i))
	}
	percent := seedNote(t, s, alice.Author.ID, false, "100% done")

	as := scope.Author{ID: alice.Author.ID}
	require.Equal(t, []int64{first.ID, second.ID}, listIDs(t, s, search.NoteFilter{Requester: as, Search: "test"}))
	require.Equal(t, []int64{first.ID, second.ID}, listIDs(t, s, search.NoteFilter{Requester: as, Search: "TEST"}))
	require.Equal(t, []int64{second.ID}, listIDs(t, s, search.NoteFilter{Requester: as, Search: "test second"}))
	require.Equal(t, []int64{first.ID}, listIDs(t, s, search.NoteFilter{Requester: as, Search: "test", TagExpr: tag.String()}))
	require.Equal(t, []int64{percent.ID}, listIDs(t, s, search.NoteFilter{Requester: as, Search: "%"}))
	require.Len(t, listIDs(t, s, search.NoteFilter{Requester: as, Search: "   "}), 8)
}

func TestForeignNoteMutationsAreNotFound(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")
	note := seedNote(t, s, alice.Author.ID, true, "public but mine")

	as := scope.Author{ID: bob.Author.ID}
	title := "hijacked"
	_, err := s.GetNote(ctx, as, note.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = s.UpdateNote(ctx, as, note.ID, NotePatch{Title: &title})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.ErrorIs(t, s.DeleteNote(ctx, as, note.ID), sql.ErrNoRows)
	require.ErrorIs(t, s.DeleteNote(ctx, scope.Anonymous{}, note.ID), sql.ErrNoRows)

	got, err := s.GetNote(ctx, scope.Author{ID: alice.Author.ID}, note.ID)
	require.NoError(t, err)
	require.Equal(t, "note", got.Title)
}

func TestUpdateNoteReplacesTags(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")
	tagA := seedTag(t, s, "a")
	tagB := seedTag(t, s, "b")
	note := seedNote(t, s, alice.Author.ID, false, "body", tagA)

	as := scope.Author{ID: alice.Author.ID}
	public := true
	replaced := []uuid.UUID{tagB}
	updated, err := s.UpdateNote(ctx, as, note.ID, NotePatch{IsPublic: &public, Tags: &replaced})
	require.NoError(t, err)
	require.True(t, updated.IsPublic)
	require.Equal(t, "body", updated.Body)
	require.Equal(t, []uuid.UUID{tagB}, updated.Tags)

	unknown := []uuid.UUID{uuid.New()}
	_, err = s.UpdateNote(ctx, as, note.ID, NotePatch{Tags: &unknown})
	require.ErrorIs(t, err, ErrUnknownTag)

	missing, err := s.MissingTags(ctx, []uuid.UUID{tagA, unknown[0]})
	require.NoError(t, err)
	require.Equal(t, unknown, missing)
}

func TestDeleteAuthorKeepsTags(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")
	tag := seedTag(t, s, "shared")
	seedNote(t, s, alice.Author.ID, true, "a", tag)
	seedNote(t, s, alice.Author.ID, false, "b")
	kept := seedNote(t, s, bob.Author.ID, true, "c", tag)

	require.NoError(t, s.DeleteAuthor(ctx, alice.Author.ID))

	require.Equal(t, []int64{kept.ID}, listIDs(t, s, search.NoteFilter{Requester: scope.Anonymous{}}))
	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	_, err = s.CredentialByToken(ctx, alice.Token)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.ErrorIs(t, s.DeleteAuthor(ctx, alice.Author.ID), sql.ErrNoRows)
}

func TestTokenIsStableAndUsernamesUnique(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")

	for i := 0; i < 2; i++ {
		cred, err := s.CredentialByUsername(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, alice.Token, cred.Token)
	}
	byToken, err := s.CredentialByToken(ctx, alice.Token)
	require.NoError(t, err)
	require.Equal(t, alice.Author.ID, byToken.Author.ID)

	key, err := auth.NewKey()
	require.NoError(t, err)
	_, err = s.CreateAuthor(ctx, "alice", "hash", key)
	require.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestSignedOutMarkers(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")

	out, err := s.IsSignedOut(ctx, alice.Token)
	require.NoError(t, err)
	require.False(t, out)

	require.NoError(t, s.MarkSignedOut(ctx, alice.Token))
	out, err = s.IsSignedOut(ctx, alice.Token)
	require.NoError(t, err)
	require.True(t, out)

	require.NoError(t, s.ClearSignedOut(ctx, alice.Token))
	out, err = s.IsSignedOut(ctx, alice.Token)
	require.NoError(t, err)
	require.False(t, out)
}

func TestTagDetailScope(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	alice := seedAuthor(t, s, "alice")
	bob := seedAuthor(t, s, "bob")
	used := seedTag(t, s, "used")
	unused := seedTag(t, s, "unused")
	note := seedNote(t, s, alice.Author.ID, false, "body", used)

	as := scope.Author{ID: alice.Author.ID}
	tag, err := s.GetTag(ctx, as, used)
	require.NoError(t, err)
	require.Equal(t, "used", tag.Title)

	_, err = s.GetTag(ctx, as, unused)
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = s.GetTag(ctx, scope.Author{ID: bob.Author.ID}, used)
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = s.UpdateTag(ctx, scope.Author{ID: bob.Author.ID}, used, "x")
	require.ErrorIs(t, err, sql.ErrNoRows)

	renamed, err := s.UpdateTag(ctx, as, used, "renamed")
	require.NoError(t, err)
	require.Equal(t, "renamed", renamed.Title)

	all, err := s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.DeleteTag(ctx, as, used))
	got, err := s.GetNote(ctx, as, note.ID)
	require.NoError(t, err)
	require.Empty(t, got.Tags)
}
