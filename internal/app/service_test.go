package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"forum/api/internal/config"
	"forum/api/internal/history"
	"forum/api/internal/search"
	"forum/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn            func(context.Context, string) (store.User, error)
	getUserByNameFn          func(context.Context, string) (store.User, error)
	listCategoryOverviewsFn  func(context.Context) ([]store.CategoryOverview, error)
	getCategoryFn            func(context.Context, string) (store.Category, error)
	insertCategoryFn         func(context.Context, store.Category, []store.Permission) error
	deleteCategoryFn         func(context.Context, string) (bool, error)
	insertPermissionFn       func(context.Context, store.Permission) (bool, error)
	hasPermissionFn          func(context.Context, string, string) (bool, error)
	listGrantedCategoryIDsFn func(context.Context, string) (map[string]bool, error)
	listThreadOverviewsFn    func(context.Context, string) ([]store.ThreadOverview, error)
	getThreadFn              func(context.Context, string) (store.Thread, error)
	insertThreadFn           func(context.Context, store.Thread) error
	updateThreadFn           func(context.Context, string, string, string) (bool, error)
	deleteThreadFn           func(context.Context, string) (bool, error)
	listRepliesFn            func(context.Context, string, string) ([]store.Reply, error)
	getReplyFn               func(context.Context, string) (store.Reply, error)
	insertReplyFn            func(context.Context, store.Reply) error
	updateReplyFn            func(context.Context, string, string) (bool, error)
	deleteReplyFn            func(context.Context, string) (bool, error)
	insertLikeFn             func(context.Context, string, string, string) (bool, error)
	deleteLikeFn             func(context.Context, string, string) (bool, error)
	pingFn                   func(context.Context) error
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id}, nil
}

func (f *fakeStore) GetUserByName(ctx context.Context, name string) (store.User, error) {
	if f.getUserByNameFn != nil {
		return f.getUserByNameFn(ctx, name)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListCategoryOverviews(ctx context.Context) ([]store.CategoryOverview, error) {
	if f.listCategoryOverviewsFn != nil {
		return f.listCategoryOverviewsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) GetCategory(ctx context.Context, id string) (store.Category, error) {
	if f.getCategoryFn != nil {
		return f.getCategoryFn(ctx, id)
	}
	return store.Category{}, sql.ErrNoRows
}

func (f *fakeStore) InsertCategory(ctx context.Context, category store.Category, grants []store.Permission) error {
	if f.insertCategoryFn != nil {
		return f.insertCategoryFn(ctx, category, grants)
	}
	return nil
}

func (f *fakeStore) DeleteCategory(ctx context.Context, id string) (bool, error) {
	if f.deleteCategoryFn != nil {
		return f.deleteCategoryFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) InsertPermission(ctx context.Context, grant store.Permission) (bool, error) {
	if f.insertPermissionFn != nil {
		return f.insertPermissionFn(ctx, grant)
	}
	return true, nil
}

func (f *fakeStore) HasPermission(ctx context.Context, categoryID, userID string) (bool, error) {
	if f.hasPermissionFn != nil {
		return f.hasPermissionFn(ctx, categoryID, userID)
	}
	return false, nil
}

func (f *fakeStore) ListGrantedCategoryIDs(ctx context.Context, userID string) (map[string]bool, error) {
	if f.listGrantedCategoryIDsFn != nil {
		return f.listGrantedCategoryIDsFn(ctx, userID)
	}
	return map[string]bool{}, nil
}

func (f *fakeStore) ListThreadOverviews(ctx context.Context, categoryID string) ([]store.ThreadOverview, error) {
	if f.listThreadOverviewsFn != nil {
		return f.listThreadOverviewsFn(ctx, categoryID)
	}
	return nil, nil
}

func (f *fakeStore) GetThread(ctx context.Context, id string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, id)
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) InsertThread(ctx context.Context, thread store.Thread) error {
	if f.insertThreadFn != nil {
		return f.insertThreadFn(ctx, thread)
	}
	return nil
}

func (f *fakeStore) UpdateThread(ctx context.Context, id, title, body string) (bool, error) {
	if f.updateThreadFn != nil {
		return f.updateThreadFn(ctx, id, title, body)
	}
	return true, nil
}

func (f *fakeStore) DeleteThread(ctx context.Context, id string) (bool, error) {
	if f.deleteThreadFn != nil {
		return f.deleteThreadFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) ListReplies(ctx context.Context, threadID, viewerID string) ([]store.Reply, error) {
	if f.listRepliesFn != nil {
		return f.listRepliesFn(ctx, threadID, viewerID)
	}
	return nil, nil
}

func (f *fakeStore) GetReply(ctx context.Context, id string) (store.Reply, error) {
	if f.getReplyFn != nil {
		return f.getReplyFn(ctx, id)
	}
	return store.Reply{}, sql.ErrNoRows
}

func (f *fakeStore) InsertReply(ctx context.Context, reply store.Reply) error {
	if f.insertReplyFn != nil {
		return f.insertReplyFn(ctx, reply)
	}
	return nil
}

func (f *fakeStore) UpdateReply(ctx context.Context, id, body string) (bool, error) {
	if f.updateReplyFn != nil {
		return f.updateReplyFn(ctx, id, body)
	}
	return true, nil
}

func (f *fakeStore) DeleteReply(ctx context.Context, id string) (bool, error) {
	if f.deleteReplyFn != nil {
		return f.deleteReplyFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) InsertLike(ctx context.Context, likeID, replyID, userID string) (bool, error) {
	if f.insertLikeFn != nil {
		return f.insertLikeFn(ctx, likeID, replyID, userID)
	}
	return true, nil
}

func (f *fakeStore) DeleteLike(ctx context.Context, replyID, userID string) (bool, error) {
	if f.deleteLikeFn != nil {
		return f.deleteLikeFn(ctx, replyID, userID)
	}
	return true, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSessions struct {
	records map[string]string
	revoked []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{records: map[string]string{}}
}

func (f *fakeSessions) SaveSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.records[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupSession(_ context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.records[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeSessions) RevokeSession(_ context.Context, tokenHash string) error {
	delete(f.records, tokenHash)
	f.revoked = append(f.revoked, tokenHash)
	return nil
}

type fakeIdentity struct {
	registerFn     func(context.Context, string, string) (store.User, error)
	authenticateFn func(context.Context, string, string) (store.User, error)
	ensureAdminFn  func(context.Context, string, string) (store.User, error)
}

func (f *fakeIdentity) Register(ctx context.Context, username, password string) (store.User, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, username, password)
	}
	return store.User{ID: "usr_new", Username: username}, nil
}

func (f *fakeIdentity) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	if f.authenticateFn != nil {
		return f.authenticateFn(ctx, username, password)
	}
	return store.User{ID: "usr_auth", Username: username}, nil
}

func (f *fakeIdentity) EnsureAdmin(ctx context.Context, username, password string) (store.User, error) {
	if f.ensureAdminFn != nil {
		return f.ensureAdminFn(ctx, username, password)
	}
	return store.User{ID: "usr_admin", Username: username, Admin: true}, nil
}

type fakeSearch struct {
	searchFn       func(context.Context, search.Query) search.Response
	searchRankedFn func(context.Context, search.Query) search.Response

	indexedThreads []string
	indexedReplies []string
	deletedThreads []string
	deletedReplies []string
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) SearchRanked(ctx context.Context, q search.Query) search.Response {
	if f.searchRankedFn != nil {
		return f.searchRankedFn(ctx, q)
	}
	return f.Search(ctx, q)
}

func (f *fakeSearch) IndexThread(t search.ThreadRecord) {
	f.indexedThreads = append(f.indexedThreads, t.ID)
}

func (f *fakeSearch) IndexReply(r search.ReplyRecord) {
	f.indexedReplies = append(f.indexedReplies, r.ID)
}

func (f *fakeSearch) DeleteThread(id string) {
	f.deletedThreads = append(f.deletedThreads, id)
}

func (f *fakeSearch) DeleteReply(id string) {
	f.deletedReplies = append(f.deletedReplies, id)
}

func (f *fakeSearch) ReindexAll(threads []search.ThreadRecord, replies []search.ReplyRecord) {
	for _, t := range threads {
		f.indexedThreads = append(f.indexedThreads, t.ID)
	}
	for _, r := range replies {
		f.indexedReplies = append(f.indexedReplies, r.ID)
	}
}

type fakeHistory struct {
	ensureFn       func(string, history.ThreadContent, string) error
	recordThreadFn func(string, history.ThreadContent, string, string) (history.CommitInfo, error)
	recordReplyFn  func(string, string, string, string, string) (history.CommitInfo, error)
	removeReplyFn  func(string, string, string) (history.CommitInfo, error)
	removeThreadFn func(string) error
	historyFn      func(string, int) ([]history.CommitInfo, error)

	removedThreads []string
}

func (f *fakeHistory) EnsureThreadRepo(threadID string, initial history.ThreadContent, author string) error {
	if f.ensureFn != nil {
		return f.ensureFn(threadID, initial, author)
	}
	return nil
}

func (f *fakeHistory) RecordThread(threadID string, content history.ThreadContent, author, message string) (history.CommitInfo, error) {
	if f.recordThreadFn != nil {
		return f.recordThreadFn(threadID, content, author, message)
	}
	return history.CommitInfo{Hash: "abc1234", Author: author, Message: message, CreatedAt: time.Now()}, nil
}

func (f *fakeHistory) RecordReply(threadID, replyID, body, author, message string) (history.CommitInfo, error) {
	if f.recordReplyFn != nil {
		return f.recordReplyFn(threadID, replyID, body, author, message)
	}
	return history.CommitInfo{Hash: "abc1234", Author: author, Message: message, CreatedAt: time.Now()}, nil
}

func (f *fakeHistory) RemoveReply(threadID, replyID, author string) (history.CommitInfo, error) {
	if f.removeReplyFn != nil {
		return f.removeReplyFn(threadID, replyID, author)
	}
	return history.CommitInfo{Hash: "abc1234", Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeHistory) RemoveThread(threadID string) error {
	f.removedThreads = append(f.removedThreads, threadID)
	if f.removeThreadFn != nil {
		return f.removeThreadFn(threadID)
	}
	return nil
}

func (f *fakeHistory) History(threadID string, limit int) ([]history.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(threadID, limit)
	}
	return nil, nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{TokenSecret: "test-secret", SessionTTL: time.Hour},
		store:    fs,
		sessions: newFakeSessions(),
		identity: &fakeIdentity{},
		search:   &fakeSearch{},
		history:  &fakeHistory{},
	}
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func sampleOverviews() []store.CategoryOverview {
	return []store.CategoryOverview{
		{Category: store.Category{ID: "cat_open", Name: "General", Restricted: false}},
		{Category: store.Category{ID: "cat_restricted", Name: "Staff", Restricted: true}},
	}
}

func TestListCategoriesHidesRestrictedFromAnonymous(t *testing.T) {
	fs := &fakeStore{
		listCategoryOverviewsFn: func(context.Context) ([]store.CategoryOverview, error) {
			return sampleOverviews(), nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListCategories(context.Background(), Session{})
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	items := payload["categories"].([]map[string]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 visible category, got %d", len(items))
	}
	if items[0]["id"] != "cat_open" {
		t.Fatalf("expected cat_open, got %v", items[0]["id"])
	}
}

func TestListCategoriesShowsGrantedRestricted(t *testing.T) {
	fs := &fakeStore{
		listCategoryOverviewsFn: func(context.Context) ([]store.CategoryOverview, error) {
			return sampleOverviews(), nil
		},
		listGrantedCategoryIDsFn: func(_ context.Context, userID string) (map[string]bool, error) {
			if userID != "usr_member" {
				t.Fatalf("expected grants lookup for usr_member, got %q", userID)
			}
			return map[string]bool{"cat_restricted": true}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListCategories(context.Background(), Session{UserID: "usr_member", UserName: "maija"})
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if items := payload["categories"].([]map[string]any); len(items) != 2 {
		t.Fatalf("expected member to see both categories, got %d", len(items))
	}
}

func TestListCategoriesAdminSeesEverything(t *testing.T) {
	fs := &fakeStore{
		listCategoryOverviewsFn: func(context.Context) ([]store.CategoryOverview, error) {
			return sampleOverviews(), nil
		},
		listGrantedCategoryIDsFn: func(context.Context, string) (map[string]bool, error) {
			t.Fatal("admin listing must not consult per user grants")
			return nil, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.ListCategories(context.Background(), Session{UserID: "usr_root", UserName: "admin", Admin: true})
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if items := payload["categories"].([]map[string]any); len(items) != 2 {
		t.Fatalf("expected admin to see both categories, got %d", len(items))
	}
}

func TestCreateCategoryRequiresAdmin(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateCategory(context.Background(), Session{}, CreateCategoryInput{Name: "General"})
	assertDomainError(t, err, 401, "NOT_AUTHORIZED")

	_, err = svc.CreateCategory(context.Background(), Session{UserID: "usr_1", UserName: "maija"}, CreateCategoryInput{Name: "General"})
	assertDomainError(t, err, 403, "NOT_AUTHORIZED")
}

func TestCreateCategoryRejectsMembersOnOpenCategory(t *testing.T) {
	svc := newTestService(&fakeStore{})
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	_, err := svc.CreateCategory(context.Background(), admin, CreateCategoryInput{
		Name:    "General",
		Members: []string{"maija"},
	})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateCategoryGrantsListedMembers(t *testing.T) {
	var insertedGrants []store.Permission
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, name string) (store.User, error) {
			switch name {
			case "maija":
				return store.User{ID: "usr_maija", Username: "maija"}, nil
			case "pekka":
				return store.User{ID: "usr_pekka", Username: "pekka"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		insertCategoryFn: func(_ context.Context, _ store.Category, grants []store.Permission) error {
			insertedGrants = grants
			return nil
		},
	}
	svc := newTestService(fs)
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	payload, err := svc.CreateCategory(context.Background(), admin, CreateCategoryInput{
		Name:       "Staff",
		Restricted: true,
		Members:    []string{"maija", "pekka"},
	})
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if len(insertedGrants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(insertedGrants))
	}
	categoryID := payload["id"].(string)
	for _, grant := range insertedGrants {
		if grant.CategoryID != categoryID {
			t.Fatalf("grant bound to %q, expected %q", grant.CategoryID, categoryID)
		}
	}
	if insertedGrants[0].UserID != "usr_maija" || insertedGrants[1].UserID != "usr_pekka" {
		t.Fatalf("unexpected grant user ids: %+v", insertedGrants)
	}
}

func TestCreateCategoryUnknownMemberRejected(t *testing.T) {
	svc := newTestService(&fakeStore{})
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	_, err := svc.CreateCategory(context.Background(), admin, CreateCategoryInput{
		Name:       "Staff",
		Restricted: true,
		Members:    []string{"nobody"},
	})
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestCreateCategoryDuplicateNameConflicts(t *testing.T) {
	fs := &fakeStore{
		insertCategoryFn: func(context.Context, store.Category, []store.Permission) error {
			return &pgconn.PgError{Code: "23505"}
		},
	}
	svc := newTestService(fs)
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	_, err := svc.CreateCategory(context.Background(), admin, CreateCategoryInput{Name: "General"})
	assertDomainError(t, err, 409, "CONFLICT")
}

func TestGrantPermissionRejectsOpenCategory(t *testing.T) {
	fs := &fakeStore{
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General", Restricted: false}, nil
		},
	}
	svc := newTestService(fs)
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	_, err := svc.GrantPermission(context.Background(), admin, "cat_open", "maija")
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestGrantPermissionIsIdempotent(t *testing.T) {
	fs := &fakeStore{
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_restricted", Name: "Staff", Restricted: true}, nil
		},
		getUserByNameFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_maija", Username: "maija"}, nil
		},
		insertPermissionFn: func(context.Context, store.Permission) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)
	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}

	payload, err := svc.GrantPermission(context.Background(), admin, "cat_restricted", "maija")
	if err != nil {
		t.Fatalf("expected repeated grant to succeed, got %v", err)
	}
	if payload["userId"] != "usr_maija" {
		t.Fatalf("expected grant payload for usr_maija, got %v", payload)
	}
}

func TestSessionFromTokenReflectsAdminDemotion(t *testing.T) {
	admin := true
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Username: "maija", Admin: admin}, nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.issueSession(context.Background(), store.User{ID: "usr_maija", Username: "maija", Admin: true})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	resolved, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("resolve session: %v", err)
	}
	if !resolved.Admin {
		t.Fatal("expected admin session before demotion")
	}

	admin = false
	resolved, err = svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("resolve session after demotion: %v", err)
	}
	if resolved.Admin {
		t.Fatal("expected demotion to take effect on the next request")
	}
}

func TestSearchDropsRestrictedHits(t *testing.T) {
	fs := &fakeStore{
		listCategoryOverviewsFn: func(context.Context) ([]store.CategoryOverview, error) {
			return sampleOverviews(), nil
		},
	}
	svc := newTestService(fs)
	svc.search = &fakeSearch{
		searchFn: func(_ context.Context, q search.Query) search.Response {
			return search.Response{
				Results: []search.Result{
					{ThreadID: "thr_1", CategoryID: "cat_open", Title: "welcome"},
					{ThreadID: "thr_2", CategoryID: "cat_restricted", Title: "internal"},
				},
				Total: 2,
				Query: q.Text,
			}
		},
	}

	response, err := svc.Search(context.Background(), Session{}, "welcome", false)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].ThreadID != "thr_1" {
		t.Fatalf("expected only the open category hit, got %+v", response.Results)
	}
	if response.Total != 1 {
		t.Fatalf("expected total recomputed to 1, got %d", response.Total)
	}
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.Search(context.Background(), Session{}, "   ", false)
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestDeleteThreadRejectsNonAuthor(t *testing.T) {
	deleteCalled := false
	fs := &fakeStore{
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{ID: "thr_1", CategoryID: "cat_open", AuthorID: "usr_author"}, nil
		},
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
		deleteThreadFn: func(context.Context, string) (bool, error) {
			deleteCalled = true
			return true, nil
		},
	}
	svc := newTestService(fs)

	err := svc.DeleteThread(context.Background(), Session{UserID: "usr_other", UserName: "pekka"}, "thr_1")
	assertDomainError(t, err, 403, "NOT_AUTHORIZED")

	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}
	err = svc.DeleteThread(context.Background(), admin, "thr_1")
	assertDomainError(t, err, 403, "NOT_AUTHORIZED")
	if deleteCalled {
		t.Fatal("expected no delete for a non-author, admin included")
	}
}

func TestEditReplyRejectsAdminNonAuthor(t *testing.T) {
	fs := &fakeStore{
		getReplyFn: func(context.Context, string) (store.Reply, error) {
			return store.Reply{ID: "rpl_1", ThreadID: "thr_1", AuthorID: "usr_author", Body: "hello"}, nil
		},
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{ID: "thr_1", CategoryID: "cat_open", AuthorID: "usr_author"}, nil
		},
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
	}
	svc := newTestService(fs)

	admin := Session{UserID: "usr_root", UserName: "admin", Admin: true}
	_, err := svc.EditReply(context.Background(), admin, "rpl_1", ReplyInput{Body: "edited"})
	assertDomainError(t, err, 403, "NOT_AUTHORIZED")
}

func TestDeleteThreadByAuthorCleansMirrorAndHistory(t *testing.T) {
	fs := &fakeStore{
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{ID: "thr_1", CategoryID: "cat_open", AuthorID: "usr_author"}, nil
		},
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
		listRepliesFn: func(context.Context, string, string) ([]store.Reply, error) {
			return []store.Reply{{ID: "rpl_1"}, {ID: "rpl_2"}}, nil
		},
	}
	svc := newTestService(fs)
	fsearch := &fakeSearch{}
	fhistory := &fakeHistory{}
	svc.search = fsearch
	svc.history = fhistory

	author := Session{UserID: "usr_author", UserName: "maija"}
	if err := svc.DeleteThread(context.Background(), author, "thr_1"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}

	if len(fhistory.removedThreads) != 1 || fhistory.removedThreads[0] != "thr_1" {
		t.Fatalf("expected thread archive removal, got %v", fhistory.removedThreads)
	}
	if len(fsearch.deletedThreads) != 1 || fsearch.deletedThreads[0] != "thr_1" {
		t.Fatalf("expected mirror thread deletion, got %v", fsearch.deletedThreads)
	}
	if len(fsearch.deletedReplies) != 2 {
		t.Fatalf("expected both reply mirror deletions, got %v", fsearch.deletedReplies)
	}
}

func TestCreateThreadValidatesTitleAndBody(t *testing.T) {
	fs := &fakeStore{
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
	}
	svc := newTestService(fs)
	viewer := Session{UserID: "usr_maija", UserName: "maija"}

	_, err := svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{Title: "   ", Body: "hello"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{Title: strings.Repeat("x", maxTitleLen+1), Body: "hello"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{Title: "hello", Body: ""})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{Title: "hello", Body: strings.Repeat("ö", maxBodyLen+1)})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

// Length limits count characters, not bytes, so Finnish text at the
// limit is still accepted.
func TestCreateThreadCountsLimitsInRunes(t *testing.T) {
	fs := &fakeStore{
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
	}
	svc := newTestService(fs)
	viewer := Session{UserID: "usr_maija", UserName: "maija"}

	payload, err := svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{
		Title: strings.Repeat("ä", maxTitleLen),
		Body:  strings.Repeat("ö", maxBodyLen),
	})
	if err != nil {
		t.Fatalf("expected max-length multibyte thread to pass validation, got %v", err)
	}
	if payload["title"] != strings.Repeat("ä", maxTitleLen) {
		t.Fatalf("unexpected title in payload: %v", payload["title"])
	}
}

func TestCreateThreadIndexesAndArchives(t *testing.T) {
	var inserted store.Thread
	fs := &fakeStore{
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
		insertThreadFn: func(_ context.Context, thread store.Thread) error {
			inserted = thread
			return nil
		},
	}
	svc := newTestService(fs)
	fsearch := &fakeSearch{}
	svc.search = fsearch

	ensured := false
	svc.history = &fakeHistory{
		ensureFn: func(threadID string, initial history.ThreadContent, author string) error {
			ensured = true
			if initial.Title != "First post" || author != "maija" {
				t.Fatalf("unexpected archive init: %+v by %q", initial, author)
			}
			return nil
		},
	}

	viewer := Session{UserID: "usr_maija", UserName: "maija"}
	payload, err := svc.CreateThread(context.Background(), viewer, "cat_open", CreateThreadInput{Title: "  First post  ", Body: "hello"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if payload["title"] != "First post" {
		t.Fatalf("expected trimmed title, got %v", payload["title"])
	}
	if inserted.AuthorID != "usr_maija" || inserted.AuthorName != "maija" {
		t.Fatalf("unexpected author on inserted thread: %+v", inserted)
	}
	if !ensured {
		t.Fatal("expected thread archive to be initialized")
	}
	if len(fsearch.indexedThreads) != 1 || fsearch.indexedThreads[0] != inserted.ID {
		t.Fatalf("expected thread indexed in mirror, got %v", fsearch.indexedThreads)
	}
}

func TestThreadHistoryMapsMissingArchiveToNotFound(t *testing.T) {
	fs := &fakeStore{
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{ID: "thr_1", CategoryID: "cat_open", AuthorID: "usr_author"}, nil
		},
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
	}
	svc := newTestService(fs)
	svc.history = &fakeHistory{
		historyFn: func(string, int) ([]history.CommitInfo, error) {
			return nil, errors.New("repository does not exist")
		},
	}

	author := Session{UserID: "usr_author", UserName: "maija"}
	_, err := svc.ThreadHistory(context.Background(), author, "thr_1", 0)
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestThreadHistoryLimitedToAuthorOrAdmin(t *testing.T) {
	fs := &fakeStore{
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{ID: "thr_1", CategoryID: "cat_open", AuthorID: "usr_author"}, nil
		},
		getCategoryFn: func(context.Context, string) (store.Category, error) {
			return store.Category{ID: "cat_open", Name: "General"}, nil
		},
	}
	svc := newTestService(fs)
	svc.history = &fakeHistory{
		historyFn: func(string, int) ([]history.CommitInfo, error) {
			return []history.CommitInfo{{Hash: "abc1234", Message: "Open thread", Author: "maija", CreatedAt: time.Now()}}, nil
		},
	}

	_, err := svc.ThreadHistory(context.Background(), Session{UserID: "usr_other", UserName: "pekka"}, "thr_1", 0)
	assertDomainError(t, err, 403, "NOT_AUTHORIZED")

	payload, err := svc.ThreadHistory(context.Background(), Session{UserID: "usr_root", UserName: "admin", Admin: true}, "thr_1", 0)
	if err != nil {
		t.Fatalf("thread history as admin: %v", err)
	}
	if entries := payload["history"].([]map[string]any); len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
}
