package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"notebook/api/internal/scope"
	"notebook/api/internal/search"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Authors and tokens

const credentialSelect = `
	SELECT a.id, a.username, a.password_hash, a.is_active, a.date_joined, t.key
	FROM authors a
	JOIN auth_tokens t ON t.author_id = a.id`

func scanCredential(row *sql.Row) (Credential, error) {
	var c Credential
	err := row.Scan(&c.Author.ID, &c.Author.Username, &c.Author.PasswordHash, &c.Author.IsActive, &c.Author.DateJoined, &c.Token)
	return c, err
}

// CreateAuthor inserts the author and its only token in one transaction.
func (s *PostgresStore) CreateAuthor(ctx context.Context, username, passwordHash, tokenKey string) (Credential, error) {
	var created Credential
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var author Author
		err := tx.QueryRowContext(ctx, `
			INSERT INTO authors (username, password_hash)
			VALUES ($1, $2)
			RETURNING id, username, password_hash, is_active, date_joined
		`, username, passwordHash).Scan(&author.ID, &author.Username, &author.PasswordHash, &author.IsActive, &author.DateJoined)
		if err != nil {
			if code, constraint := pgCode(err); code == codeUniqueViolation && constraint == "authors_username_key" {
				return ErrDuplicateUsername
			}
			return fmt.Errorf("insert author: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO auth_tokens (key, author_id) VALUES ($1, $2)`, tokenKey, author.ID); err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		created = Credential{Author: author, Token: tokenKey}
		return nil
	})
	return created, err
}

func (s *PostgresStore) CredentialByUsername(ctx context.Context, username string) (Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx, credentialSelect+` WHERE a.username = $1`, username))
}

func (s *PostgresStore) CredentialByToken(ctx context.Context, key string) (Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx, credentialSelect+` WHERE t.key = $1`, key))
}

func (s *PostgresStore) GetAuthor(ctx context.Context, id int64) (Author, error) {
	var a Author
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_active, date_joined FROM authors WHERE id = $1
	`, id).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.IsActive, &a.DateJoined)
	return a, err
}

// DeleteAuthor removes the author; notes and the token go with it, tags stay.
func (s *PostgresStore) DeleteAuthor(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM authors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	return requireAffected(res)
}

// Signed-out markers; used when no Redis is configured.

func (s *PostgresStore) MarkSignedOut(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE auth_tokens SET signed_out_at = NOW() WHERE key = $1`, key); err != nil {
		return fmt.Errorf("mark signed out: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearSignedOut(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE auth_tokens SET signed_out_at = NULL WHERE key = $1`, key); err != nil {
		return fmt.Errorf("clear signed out: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsSignedOut(ctx context.Context, key string) (bool, error) {
	var signedOut bool
	err := s.db.QueryRowContext(ctx, `SELECT signed_out_at IS NOT NULL FROM auth_tokens WHERE key = $1`, key).Scan(&signedOut)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check signed out: %w", err)
	}
	return signedOut, nil
}

// Notes

var noteColumns = []string{"n.id", "n.title", "n.body", "n.author_id", "n.is_public"}

func (s *PostgresStore) ListNotes(ctx context.Context, filter search.NoteFilter) ([]Note, error) {
	query := filter.Apply(psql.Select(noteColumns...).From("notes n")).OrderBy("n.id")
	return s.queryNotes(ctx, s.db, query)
}

func (s *PostgresStore) GetNote(ctx context.Context, r scope.Requester, id int64) (Note, error) {
	return s.getNote(ctx, s.db, r, id, false)
}

func (s *PostgresStore) getNote(ctx context.Context, q queryer, r scope.Requester, id int64, lock bool) (Note, error) {
	query := psql.Select(noteColumns...).From("notes n").
		Where(sq.Eq{"n.id": id}).
		Where(scope.OwnedNotes(r))
	if lock {
		query = query.Suffix("FOR UPDATE")
	}
	notes, err := s.queryNotes(ctx, q, query)
	if err != nil {
		return Note{}, err
	}
	if len(notes) == 0 {
		return Note{}, sql.ErrNoRows
	}
	return notes[0], nil
}

func (s *PostgresStore) queryNotes(ctx context.Context, q queryer, query sq.SelectBuilder) ([]Note, error) {
	text, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build notes query: %w", err)
	}
	rows, err := q.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.AuthorID, &n.IsPublic); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	if err := attachTags(ctx, q, notes); err != nil {
		return nil, err
	}
	return notes, nil
}

func attachTags(ctx context.Context, q queryer, notes []Note) error {
	if len(notes) == 0 {
		return nil
	}
	ids := make([]int64, len(notes))
	byID := make(map[int64]*Note, len(notes))
	for i := range notes {
		ids[i] = notes[i].ID
		notes[i].Tags = []uuid.UUID{}
		byID[notes[i].ID] = &notes[i]
	}

	text, args, err := psql.Select("note_id", "tag_uuid").From("note_tags").
		Where(sq.Eq{"note_id": ids}).
		OrderBy("note_id", "tag_uuid").
		ToSql()
	if err != nil {
		return fmt.Errorf("build note tags query: %w", err)
	}
	rows, err := q.QueryContext(ctx, text, args...)
	if err != nil {
		return fmt.Errorf("list note tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var noteID int64
		var tagID uuid.UUID
		if err := rows.Scan(&noteID, &tagID); err != nil {
			return fmt.Errorf("scan note tag: %w", err)
		}
		if n, ok := byID[noteID]; ok {
			n.Tags = append(n.Tags, tagID)
		}
	}
	return rows.Err()
}

// CreateNote stores the note with its tags. note.AuthorID must already be the
// requester's id.
func (s *PostgresStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	var created Note
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO notes (title, body, author_id, is_public)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, note.Title, note.Body, note.AuthorID, note.IsPublic).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
		if err := replaceTags(ctx, tx, id, note.Tags); err != nil {
			return err
		}
		created, err = s.getNote(ctx, tx, scope.Author{ID: note.AuthorID}, id, false)
		return err
	})
	return created, err
}

// UpdateNote applies patch to a note owned by r; anything else is sql.ErrNoRows.
func (s *PostgresStore) UpdateNote(ctx context.Context, r scope.Requester, id int64, patch NotePatch) (Note, error) {
	var updated Note
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getNote(ctx, tx, r, id, true); err != nil {
			return err
		}

		set := map[string]any{}
		if patch.Title != nil {
			set["title"] = *patch.Title
		}
		if patch.Body != nil {
			set["body"] = *patch.Body
		}
		if patch.IsPublic != nil {
			set["is_public"] = *patch.IsPublic
		}
		if len(set) > 0 {
			text, args, err := psql.Update("notes").SetMap(set).Where(sq.Eq{"id": id}).ToSql()
			if err != nil {
				return fmt.Errorf("build note update: %w", err)
			}
			if _, err := tx.ExecContext(ctx, text, args...); err != nil {
				return fmt.Errorf("update note: %w", err)
			}
		}
		if patch.Tags != nil {
			if err := replaceTags(ctx, tx, id, *patch.Tags); err != nil {
				return err
			}
		}

		var err error
		updated, err = s.getNote(ctx, tx, r, id, false)
		return err
	})
	return updated, err
}

func (s *PostgresStore) DeleteNote(ctx context.Context, r scope.Requester, id int64) error {
	text, args, err := psql.Delete("notes n").
		Where(sq.Eq{"n.id": id}).
		Where(scope.OwnedNotes(r)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build note delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, text, args...)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return requireAffected(res)
}

func replaceTags(ctx context.Context, tx *sql.Tx, noteID int64, tags []uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM note_tags WHERE note_id = $1`, noteID); err != nil {
		return fmt.Errorf("clear note tags: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}
	insert := psql.Insert("note_tags").Columns("note_id", "tag_uuid").Suffix("ON CONFLICT DO NOTHING")
	for _, tag := range tags {
		insert = insert.Values(noteID, tag.String())
	}
	text, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build note tags insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, text, args...); err != nil {
		if code, _ := pgCode(err); code == codeForeignKeyViolation {
			return ErrUnknownTag
		}
		return fmt.Errorf("insert note tags: %w", err)
	}
	return nil
}

// Tags

// MissingTags returns the ids among ids that name no tag, in input order.
func (s *PostgresStore) MissingTags(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	text, args, err := psql.Select("uuid").From("tags").Where(sq.Eq{"uuid": keys}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tag lookup: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup tags: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]struct{}, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}

	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *PostgresStore) CreateTag(ctx context.Context, tag Tag) (Tag, error) {
	if tag.UUID == uuid.Nil {
		tag.UUID = uuid.New()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO tags (uuid, title) VALUES ($1, $2)`, tag.UUID.String(), tag.Title); err != nil {
		return Tag{}, fmt.Errorf("insert tag: %w", err)
	}
	return tag, nil
}

// ListTags returns every tag regardless of who asks.
func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, title FROM tags ORDER BY title, uuid`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.UUID, &t.Title); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

func (s *PostgresStore) GetTag(ctx context.Context, r scope.Requester, id uuid.UUID) (Tag, error) {
	text, args, err := psql.Select("t.uuid", "t.title").From("tags t").
		Where(sq.Eq{"t.uuid": id.String()}).
		Where(scope.VisibleTags(r)).
		ToSql()
	if err != nil {
		return Tag{}, fmt.Errorf("build tag query: %w", err)
	}
	var t Tag
	err = s.db.QueryRowContext(ctx, text, args...).Scan(&t.UUID, &t.Title)
	return t, err
}

func (s *PostgresStore) UpdateTag(ctx context.Context, r scope.Requester, id uuid.UUID, title string) (Tag, error) {
	text, args, err := psql.Update("tags t").
		Set("title", title).
		Where(sq.Eq{"t.uuid": id.String()}).
		Where(scope.VisibleTags(r)).
		Suffix("RETURNING t.uuid, t.title").
		ToSql()
	if err != nil {
		return Tag{}, fmt.Errorf("build tag update: %w", err)
	}
	var t Tag
	err = s.db.QueryRowContext(ctx, text, args...).Scan(&t.UUID, &t.Title)
	return t, err
}

// DeleteTag also detaches the tag from every note, not only r's.
func (s *PostgresStore) DeleteTag(ctx context.Context, r scope.Requester, id uuid.UUID) error {
	text, args, err := psql.Delete("tags t").
		Where(sq.Eq{"t.uuid": id.String()}).
		Where(scope.VisibleTags(r)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build tag delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, text, args...)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
