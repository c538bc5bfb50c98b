package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"notebook/api/internal/authpw"
	"notebook/api/internal/scope"
	"notebook/api/internal/search"
	"notebook/api/internal/store"
	"notebook/api/internal/validate"
)

const (
	maxTitleLength = 128
	msgUnknownPK   = `Invalid pk "%s" - object does not exist.`
)

// Session is the authenticated caller of a request.
type Session struct {
	Token  string
	Author store.Author
}

func (s Session) Requester() scope.Requester {
	return scope.Author{ID: s.Author.ID}
}

// NoteInput is a note request body. Pointers tell a missing field from a
// zero value; "author" is not decoded so a client cannot set it.
type NoteInput struct {
	Title    *string   `json:"title"`
	Body     *string   `json:"body"`
	IsPublic *bool     `json:"is_public"`
	Tags     *[]string `json:"tags"`
}

type TagInput struct {
	Title *string `json:"title"`
}

type CredentialsInput struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type dataStore interface {
	Ping(context.Context) error
	DeleteAuthor(context.Context, int64) error
	ListNotes(context.Context, search.NoteFilter) ([]store.Note, error)
	GetNote(context.Context, scope.Requester, int64) (store.Note, error)
	CreateNote(context.Context, store.Note) (store.Note, error)
	UpdateNote(context.Context, scope.Requester, int64, store.NotePatch) (store.Note, error)
	DeleteNote(context.Context, scope.Requester, int64) error
	MissingTags(context.Context, []uuid.UUID) ([]uuid.UUID, error)
	CreateTag(context.Context, store.Tag) (store.Tag, error)
	ListTags(context.Context) ([]store.Tag, error)
	GetTag(context.Context, scope.Requester, uuid.UUID) (store.Tag, error)
	UpdateTag(context.Context, scope.Requester, uuid.UUID, string) (store.Tag, error)
	DeleteTag(context.Context, scope.Requester, uuid.UUID) error
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	store       dataStore
	credentials *authpw.Service
	checks      []readinessCheck
}

func New(dataStore dataStore, credentials *authpw.Service) *Service {
	svc := &Service{store: dataStore, credentials: credentials}
	svc.AddReadinessCheck("database", dataStore.Ping)
	return svc
}

// AddReadinessCheck registers a dependency reported by /ready.
func (s *Service) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every readiness check and reports each one by name.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := make(map[string]any, len(s.checks))
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			ready = false
			checks[c.name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[c.name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}

// Authors

func (s *Service) SignUp(ctx context.Context, input CredentialsInput) (map[string]any, error) {
	cred, err := s.credentials.SignUp(ctx, authpw.SignUpRequest{Username: input.Username, Password: input.Password})
	if err != nil {
		return nil, err
	}
	return authorPayload(cred.Author), nil
}

func (s *Service) Login(ctx context.Context, input CredentialsInput) (map[string]any, error) {
	cred, err := s.credentials.SignIn(ctx, authpw.SignInRequest{Username: input.Username, Password: input.Password})
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": cred.Token}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	return s.credentials.SignOut(ctx, session.Token)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	cred, err := s.credentials.Authenticate(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: cred.Token, Author: cred.Author}, nil
}

func (s *Service) CurrentAuthor(session Session) map[string]any {
	return authorPayload(session.Author)
}

// DeleteAuthor removes the caller together with their notes and token.
func (s *Service) DeleteAuthor(ctx context.Context, session Session) error {
	return s.store.DeleteAuthor(ctx, session.Author.ID)
}

// Notes

func (s *Service) ListNotes(ctx context.Context, r scope.Requester, searchParam, tagExpr string) ([]map[string]any, error) {
	notes, err := s.store.ListNotes(ctx, search.NoteFilter{
		Requester: r,
		Search:    searchParam,
		TagExpr:   tagExpr,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, notePayload(note))
	}
	return items, nil
}

func (s *Service) CreateNote(ctx context.Context, session Session, input NoteInput) (map[string]any, error) {
	tags, err := s.validateNote(ctx, input, false)
	if err != nil {
		return nil, err
	}
	note := store.Note{
		Title:    *input.Title,
		Body:     *input.Body,
		AuthorID: session.Author.ID,
		Tags:     tags,
	}
	if input.IsPublic != nil {
		note.IsPublic = *input.IsPublic
	}
	created, err := s.store.CreateNote(ctx, note)
	if err != nil {
		return nil, wrapTagError(err)
	}
	return notePayload(created), nil
}

func (s *Service) GetNote(ctx context.Context, r scope.Requester, id int64) (map[string]any, error) {
	note, err := s.store.GetNote(ctx, r, id)
	if err != nil {
		return nil, err
	}
	return notePayload(note), nil
}

// UpdateNote handles PATCH (partial) and PUT. A note outside the caller's
// owned scope is reported as not found before the body is looked at.
func (s *Service) UpdateNote(ctx context.Context, r scope.Requester, id int64, input NoteInput, partial bool) (map[string]any, error) {
	if _, err := s.store.GetNote(ctx, r, id); err != nil {
		return nil, err
	}
	tags, err := s.validateNote(ctx, input, partial)
	if err != nil {
		return nil, err
	}
	patch := store.NotePatch{Title: input.Title, Body: input.Body, IsPublic: input.IsPublic}
	if input.Tags != nil {
		patch.Tags = &tags
	}
	updated, err := s.store.UpdateNote(ctx, r, id, patch)
	if err != nil {
		return nil, wrapTagError(err)
	}
	return notePayload(updated), nil
}

func (s *Service) DeleteNote(ctx context.Context, r scope.Requester, id int64) error {
	return s.store.DeleteNote(ctx, r, id)
}

func (s *Service) validateNote(ctx context.Context, input NoteInput, partial bool) ([]uuid.UUID, error) {
	errs := validate.FieldErrors{}
	if partial {
		errs.OptionalString("title", input.Title, maxTitleLength)
		errs.OptionalString("body", input.Body, 0)
	} else {
		errs.RequiredString("title", input.Title, maxTitleLength)
		errs.RequiredString("body", input.Body, 0)
	}

	tags := []uuid.UUID{}
	if input.Tags != nil {
		for _, raw := range *input.Tags {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				errs.Add("tags", fmt.Sprintf(msgUnknownPK, raw))
				continue
			}
			tags = append(tags, id)
		}
		missing, err := s.store.MissingTags(ctx, tags)
		if err != nil {
			return nil, err
		}
		for _, id := range missing {
			errs.Add("tags", fmt.Sprintf(msgUnknownPK, id))
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return tags, nil
}

// wrapTagError covers a tag deleted between validation and the insert.
func wrapTagError(err error) error {
	if errors.Is(err, store.ErrUnknownTag) {
		return validate.FieldErrors{"tags": {"Invalid pk - object does not exist."}}
	}
	return err
}

// Tags

func (s *Service) CreateTag(ctx context.Context, input TagInput) (map[string]any, error) {
	errs := validate.FieldErrors{}
	errs.RequiredString("title", input.Title, maxTitleLength)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	tag, err := s.store.CreateTag(ctx, store.Tag{UUID: uuid.New(), Title: *input.Title})
	if err != nil {
		return nil, err
	}
	return tagPayload(tag), nil
}

// ListTags is global: it does not narrow to the caller's tags.
func (s *Service) ListTags(ctx context.Context) ([]map[string]any, error) {
	tags, err := s.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		items = append(items, tagPayload(tag))
	}
	return items, nil
}

func (s *Service) GetTag(ctx context.Context, r scope.Requester, id uuid.UUID) (map[string]any, error) {
	tag, err := s.store.GetTag(ctx, r, id)
	if err != nil {
		return nil, err
	}
	return tagPayload(tag), nil
}

func (s *Service) UpdateTag(ctx context.Context, r scope.Requester, id uuid.UUID, input TagInput, partial bool) (map[string]any, error) {
	current, err := s.store.GetTag(ctx, r, id)
	if err != nil {
		return nil, err
	}
	errs := validate.FieldErrors{}
	if partial {
		errs.OptionalString("title", input.Title, maxTitleLength)
	} else {
		errs.RequiredString("title", input.Title, maxTitleLength)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if input.Title == nil {
		return tagPayload(current), nil
	}
	updated, err := s.store.UpdateTag(ctx, r, id, *input.Title)
	if err != nil {
		return nil, err
	}
	return tagPayload(updated), nil
}

func (s *Service) DeleteTag(ctx context.Context, r scope.Requester, id uuid.UUID) error {
	return s.store.DeleteTag(ctx, r, id)
}

// Payloads

func authorPayload(author store.Author) map[string]any {
	return map[string]any{
		"id":        author.ID,
		"username":  author.Username,
		"is_active": author.IsActive,
	}
}

func notePayload(note store.Note) map[string]any {
	tags := make([]string, 0, len(note.Tags))
	for _, id := range note.Tags {
		tags = append(tags, id.String())
	}
	sort.Strings(tags)
	return map[string]any{
		"id":        note.ID,
		"title":     note.Title,
		"body":      note.Body,
		"is_public": note.IsPublic,
		"tags":      tags,
	}
}

func tagPayload(tag store.Tag) map[string]any {
	return map[string]any{
		"uuid":  tag.UUID.String(),
		"title": tag.Title,
	}
}
