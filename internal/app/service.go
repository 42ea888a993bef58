package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"forum/api/internal/auth"
	"forum/api/internal/config"
	"forum/api/internal/history"
	"forum/api/internal/identity"
	"forum/api/internal/search"
	"forum/api/internal/store"
	"forum/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Admin     bool
	JTI       string
	ExpiresAt time.Time
}

func (s Session) loggedIn() bool {
	return s.UserID != ""
}

type CredentialsInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateCategoryInput struct {
	Name       string   `json:"name"`
	Restricted bool     `json:"restricted"`
	Members    []string `json:"members"`
}

type CreateThreadInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type ReplyInput struct {
	Body string `json:"body"`
}

const (
	maxTitleLen = 130
	maxBodyLen  = 3000
)

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	ListCategoryOverviews(context.Context) ([]store.CategoryOverview, error)
	GetCategory(context.Context, string) (store.Category, error)
	InsertCategory(context.Context, store.Category, []store.Permission) error
	DeleteCategory(context.Context, string) (bool, error)
	InsertPermission(context.Context, store.Permission) (bool, error)
	HasPermission(context.Context, string, string) (bool, error)
	ListGrantedCategoryIDs(context.Context, string) (map[string]bool, error)
	ListThreadOverviews(context.Context, string) ([]store.ThreadOverview, error)
	GetThread(context.Context, string) (store.Thread, error)
	InsertThread(context.Context, store.Thread) error
	UpdateThread(context.Context, string, string, string) (bool, error)
	DeleteThread(context.Context, string) (bool, error)
	ListReplies(context.Context, string, string) ([]store.Reply, error)
	GetReply(context.Context, string) (store.Reply, error)
	InsertReply(context.Context, store.Reply) error
	UpdateReply(context.Context, string, string) (bool, error)
	DeleteReply(context.Context, string) (bool, error)
	InsertLike(context.Context, string, string, string) (bool, error)
	DeleteLike(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeSession(ctx context.Context, tokenHash string) error
}

type identityService interface {
	Register(ctx context.Context, username, password string) (store.User, error)
	Authenticate(ctx context.Context, username, password string) (store.User, error)
	EnsureAdmin(ctx context.Context, username, password string) (store.User, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	SearchRanked(ctx context.Context, q search.Query) search.Response
	IndexThread(t search.ThreadRecord)
	IndexReply(r search.ReplyRecord)
	DeleteThread(id string)
	DeleteReply(id string)
	ReindexAll(threads []search.ThreadRecord, replies []search.ReplyRecord)
}

type historyService interface {
	EnsureThreadRepo(threadID string, initial history.ThreadContent, author string) error
	RecordThread(threadID string, content history.ThreadContent, author, message string) (history.CommitInfo, error)
	RecordReply(threadID, replyID, body, author, message string) (history.CommitInfo, error)
	RemoveReply(threadID, replyID, author string) (history.CommitInfo, error)
	RemoveThread(threadID string) error
	History(threadID string, limit int) ([]history.CommitInfo, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	identity identityService
	search   searchService
	history  historyService
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, identitySvc *identity.Service, searchSvc *search.Service, historySvc *history.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		identity: identitySvc,
		search:   searchSvc,
		history:  historySvc,
	}
}

// Bootstrap ensures the configured admin account exists and rebuilds the
// ranked search mirror from Postgres.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.AdminPassword != "" {
		if _, err := s.identity.EnsureAdmin(ctx, "admin", s.cfg.AdminPassword); err != nil {
			return err
		}
	}

	overviews, err := s.store.ListCategoryOverviews(ctx)
	if err != nil {
		log.Printf("bootstrap: list categories for reindex: %v", err)
		return nil
	}
	var threadRecords []search.ThreadRecord
	var replyRecords []search.ReplyRecord
	for _, category := range overviews {
		threads, err := s.store.ListThreadOverviews(ctx, category.ID)
		if err != nil {
			log.Printf("bootstrap: list threads for reindex: %v", err)
			continue
		}
		for _, thread := range threads {
			threadRecords = append(threadRecords, threadRecord(thread.Thread))
			replies, err := s.store.ListReplies(ctx, thread.ID, "")
			if err != nil {
				log.Printf("bootstrap: list replies for reindex: %v", err)
				continue
			}
			for _, reply := range replies {
				replyRecords = append(replyRecords, replyRecord(thread.Thread, reply))
			}
		}
	}
	s.search.ReindexAll(threadRecords, replyRecords)
	return nil
}

func (s *Service) Register(ctx context.Context, input CredentialsInput) (Session, error) {
	user, err := s.identity.Register(ctx, strings.TrimSpace(input.Username), input.Password)
	if err != nil {
		return Session{}, mapIdentityError(err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, input CredentialsInput) (Session, error) {
	user, err := s.identity.Authenticate(ctx, strings.TrimSpace(input.Username), input.Password)
	if err != nil {
		return Session{}, mapIdentityError(err)
	}
	return s.issueSession(ctx, user)
}

func mapIdentityError(err error) error {
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		return domainError(422, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, identity.ErrUsernameTaken):
		return domainError(409, "CONFLICT", "Username already taken", nil)
	case errors.Is(err, identity.ErrBadCredentials):
		return domainError(401, "NOT_AUTHORIZED", "Invalid username or password", nil)
	default:
		return err
	}
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.SessionTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.Username,
		Admin: user.Admin,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	if err := s.sessions.SaveSession(ctx, auth.HashToken(token), user.ID, expiresAt); err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Admin:     user.Admin,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// SessionFromToken accepts a token only while its server side record is
// live, then reloads the user so flags like admin stay fresh.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	live, err := s.sessions.LookupSession(ctx, auth.HashToken(token))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, live.ID)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Admin:     user.Admin,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.Token != "" {
		_ = s.sessions.RevokeSession(ctx, auth.HashToken(session.Token))
	}
	return nil
}

func (s *Service) ListCategories(ctx context.Context, viewer Session) (map[string]any, error) {
	overviews, err := s.store.ListCategoryOverviews(ctx)
	if err != nil {
		return nil, err
	}
	visible, err := s.visibleCategories(ctx, viewer, overviews)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(visible))
	for _, overview := range visible {
		items = append(items, categoryPayload(overview))
	}
	return map[string]any{"categories": items}, nil
}

func (s *Service) CreateCategory(ctx context.Context, viewer Session, input CreateCategoryInput) (map[string]any, error) {
	if err := s.requireAdmin(viewer); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" || utf8.RuneCountInString(name) > maxTitleLen {
		return nil, domainError(422, "VALIDATION_ERROR", "name must be 1-130 characters", nil)
	}
	if !input.Restricted && len(input.Members) > 0 {
		return nil, domainError(422, "VALIDATION_ERROR", "members are only allowed on a restricted category", nil)
	}

	category := store.Category{
		ID:         util.NewID("cat"),
		Name:       name,
		Restricted: input.Restricted,
		CreatedAt:  time.Now().UTC(),
	}

	grants := make([]store.Permission, 0, len(input.Members))
	for _, member := range input.Members {
		user, err := s.store.GetUserByName(ctx, strings.TrimSpace(member))
		if err != nil {
			return nil, domainError(404, "NOT_FOUND", "unknown user "+member, nil)
		}
		grants = append(grants, store.Permission{
			ID:         util.NewID("prm"),
			CategoryID: category.ID,
			UserID:     user.ID,
			GrantedAt:  category.CreatedAt,
		})
	}

	if err := s.store.InsertCategory(ctx, category, grants); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, domainError(409, "CONFLICT", "Category name already in use", nil)
		}
		return nil, err
	}

	return map[string]any{
		"id":         category.ID,
		"name":       category.Name,
		"restricted": category.Restricted,
		"createdAt":  category.CreatedAt,
	}, nil
}

func (s *Service) DeleteCategory(ctx context.Context, viewer Session, categoryID string) error {
	if err := s.requireAdmin(viewer); err != nil {
		return err
	}

	threads, err := s.store.ListThreadOverviews(ctx, categoryID)
	if err != nil {
		return err
	}
	replyIDs := make(map[string][]string, len(threads))
	for _, thread := range threads {
		replies, err := s.store.ListReplies(ctx, thread.ID, "")
		if err != nil {
			return err
		}
		for _, reply := range replies {
			replyIDs[thread.ID] = append(replyIDs[thread.ID], reply.ID)
		}
	}

	deleted, err := s.store.DeleteCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(404, "NOT_FOUND", "Category not found", nil)
	}

	for _, thread := range threads {
		if err := s.history.RemoveThread(thread.ID); err != nil {
			log.Printf("history: remove thread %s: %v", thread.ID, err)
		}
		s.search.DeleteThread(thread.ID)
		for _, replyID := range replyIDs[thread.ID] {
			s.search.DeleteReply(replyID)
		}
	}
	return nil
}

func (s *Service) GrantPermission(ctx context.Context, viewer Session, categoryID, username string) (map[string]any, error) {
	if err := s.requireAdmin(viewer); err != nil {
		return nil, err
	}

	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if !category.Restricted {
		return nil, domainError(422, "VALIDATION_ERROR", "category is not restricted", nil)
	}

	user, err := s.store.GetUserByName(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}

	grant := store.Permission{
		ID:         util.NewID("prm"),
		CategoryID: category.ID,
		UserID:     user.ID,
		GrantedAt:  time.Now().UTC(),
	}
	// Granting twice is a no-op, so retries are always safe.
	if _, err := s.store.InsertPermission(ctx, grant); err != nil {
		return nil, err
	}

	return map[string]any{
		"categoryId": category.ID,
		"userId":     user.ID,
		"username":   user.Username,
		"grantedAt":  grant.GrantedAt,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func categoryPayload(overview store.CategoryOverview) map[string]any {
	var lastActivity any
	if overview.LastActivity != nil {
		lastActivity = overview.LastActivity
	}
	return map[string]any{
		"id":           overview.ID,
		"name":         overview.Name,
		"restricted":   overview.Restricted,
		"threadCount":  overview.ThreadCount,
		"postCount":    overview.PostCount,
		"lastActivity": lastActivity,
		"createdAt":    overview.CreatedAt,
	}
}
