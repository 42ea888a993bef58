package app

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"forum/api/internal/history"
	"forum/api/internal/search"
	"forum/api/internal/store"
	"forum/api/internal/util"
)

// CategoryThreads returns a category page: the category itself and its
// threads newest activity first.
func (s *Service) CategoryThreads(ctx context.Context, viewer Session, categoryID string) (map[string]any, error) {
	category, err := s.requireCategoryAccess(ctx, viewer, categoryID)
	if err != nil {
		return nil, err
	}
	threads, err := s.store.ListThreadOverviews(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, map[string]any{
			"id":           thread.ID,
			"title":        thread.Title,
			"author":       thread.AuthorName,
			"replyCount":   thread.ReplyCount,
			"lastActivity": thread.LastActivity,
			"createdAt":    thread.CreatedAt,
		})
	}
	return map[string]any{
		"category": map[string]any{
			"id":         category.ID,
			"name":       category.Name,
			"restricted": category.Restricted,
		},
		"threads": items,
	}, nil
}

func (s *Service) CreateThread(ctx context.Context, viewer Session, categoryID string, input CreateThreadInput) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	category, err := s.requireCategoryAccess(ctx, viewer, categoryID)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return nil, domainError(422, "VALIDATION_ERROR", "title must be 1-130 characters", nil)
	}
	if input.Body == "" || utf8.RuneCountInString(input.Body) > maxBodyLen {
		return nil, domainError(422, "VALIDATION_ERROR", "body must be 1-3000 characters", nil)
	}

	now := time.Now().UTC()
	thread := store.Thread{
		ID:         util.NewID("thr"),
		CategoryID: category.ID,
		AuthorID:   viewer.UserID,
		AuthorName: viewer.UserName,
		Title:      title,
		Body:       input.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return nil, err
	}

	if err := s.history.EnsureThreadRepo(thread.ID, history.ThreadContent{Title: thread.Title, Body: thread.Body}, viewer.UserName); err != nil {
		log.Printf("history: init thread %s: %v", thread.ID, err)
	}
	s.search.IndexThread(threadRecord(thread))

	return threadPayload(thread), nil
}

func (s *Service) GetThread(ctx context.Context, viewer Session, threadID string) (map[string]any, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}

	replies, err := s.store.ListReplies(ctx, threadID, viewer.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(replies))
	for _, reply := range replies {
		items = append(items, replyPayload(reply))
	}

	payload := threadPayload(thread)
	payload["replies"] = items
	return payload, nil
}

func (s *Service) EditThread(ctx context.Context, viewer Session, threadID string, input CreateThreadInput) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}
	if err := s.requireAuthor(viewer, thread.AuthorID); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return nil, domainError(422, "VALIDATION_ERROR", "title must be 1-130 characters", nil)
	}
	if input.Body == "" || utf8.RuneCountInString(input.Body) > maxBodyLen {
		return nil, domainError(422, "VALIDATION_ERROR", "body must be 1-3000 characters", nil)
	}

	updated, err := s.store.UpdateThread(ctx, threadID, title, input.Body)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(404, "NOT_FOUND", "Thread not found", nil)
	}

	thread.Title = title
	thread.Body = input.Body
	if _, err := s.history.RecordThread(thread.ID, history.ThreadContent{Title: title, Body: input.Body}, viewer.UserName, "Edit thread"); err != nil {
		log.Printf("history: record thread %s: %v", thread.ID, err)
	}
	s.search.IndexThread(threadRecord(thread))

	return threadPayload(thread), nil
}

func (s *Service) DeleteThread(ctx context.Context, viewer Session, threadID string) error {
	if err := s.requireLogin(viewer); err != nil {
		return err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return err
	}
	if err := s.requireAuthor(viewer, thread.AuthorID); err != nil {
		return err
	}

	replies, err := s.store.ListReplies(ctx, threadID, "")
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(404, "NOT_FOUND", "Thread not found", nil)
	}

	if err := s.history.RemoveThread(threadID); err != nil {
		log.Printf("history: remove thread %s: %v", threadID, err)
	}
	s.search.DeleteThread(threadID)
	for _, reply := range replies {
		s.search.DeleteReply(reply.ID)
	}
	return nil
}

func (s *Service) CreateReply(ctx context.Context, viewer Session, threadID string, input ReplyInput) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}
	if input.Body == "" || utf8.RuneCountInString(input.Body) > maxBodyLen {
		return nil, domainError(422, "VALIDATION_ERROR", "body must be 1-3000 characters", nil)
	}

	now := time.Now().UTC()
	reply := store.Reply{
		ID:         util.NewID("rpl"),
		ThreadID:   thread.ID,
		AuthorID:   viewer.UserID,
		AuthorName: viewer.UserName,
		Body:       input.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertReply(ctx, reply); err != nil {
		return nil, err
	}

	if _, err := s.history.RecordReply(thread.ID, reply.ID, reply.Body, viewer.UserName, "Add reply"); err != nil {
		log.Printf("history: record reply %s: %v", reply.ID, err)
	}
	s.search.IndexReply(replyRecord(thread, reply))

	return replyPayload(reply), nil
}

func (s *Service) EditReply(ctx context.Context, viewer Session, replyID string, input ReplyInput) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, reply.ThreadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}
	if err := s.requireAuthor(viewer, reply.AuthorID); err != nil {
		return nil, err
	}
	if input.Body == "" || utf8.RuneCountInString(input.Body) > maxBodyLen {
		return nil, domainError(422, "VALIDATION_ERROR", "body must be 1-3000 characters", nil)
	}

	updated, err := s.store.UpdateReply(ctx, replyID, input.Body)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(404, "NOT_FOUND", "Reply not found", nil)
	}

	reply.Body = input.Body
	if _, err := s.history.RecordReply(thread.ID, reply.ID, reply.Body, viewer.UserName, "Edit reply"); err != nil {
		log.Printf("history: record reply %s: %v", reply.ID, err)
	}
	s.search.IndexReply(replyRecord(thread, reply))

	return replyPayload(reply), nil
}

func (s *Service) DeleteReply(ctx context.Context, viewer Session, replyID string) error {
	if err := s.requireLogin(viewer); err != nil {
		return err
	}
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return err
	}
	thread, err := s.store.GetThread(ctx, reply.ThreadID)
	if err != nil {
		return err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return err
	}
	if err := s.requireAuthor(viewer, reply.AuthorID); err != nil {
		return err
	}

	deleted, err := s.store.DeleteReply(ctx, replyID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(404, "NOT_FOUND", "Reply not found", nil)
	}

	if _, err := s.history.RemoveReply(thread.ID, reply.ID, viewer.UserName); err != nil {
		log.Printf("history: remove reply %s: %v", reply.ID, err)
	}
	s.search.DeleteReply(reply.ID)
	return nil
}

// LikeReply records one like per user per reply. Authors cannot like
// their own replies.
func (s *Service) LikeReply(ctx context.Context, viewer Session, replyID string) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, reply.ThreadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}
	if reply.AuthorID == viewer.UserID {
		return nil, domainError(403, "NOT_AUTHORIZED", "You cannot like your own reply", nil)
	}

	inserted, err := s.store.InsertLike(ctx, util.NewID("lik"), replyID, viewer.UserID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, domainError(409, "CONFLICT", "Reply already liked", nil)
	}
	return map[string]any{"replyId": replyID, "liked": true}, nil
}

func (s *Service) UnlikeReply(ctx context.Context, viewer Session, replyID string) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	reply, err := s.store.GetReply(ctx, replyID)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, reply.ThreadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteLike(ctx, replyID, viewer.UserID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, domainError(404, "NOT_FOUND", "Like not found", nil)
	}
	return map[string]any{"replyId": replyID, "liked": false}, nil
}

// Search runs a forum wide query and drops hits the viewer may not see.
func (s *Service) Search(ctx context.Context, viewer Session, text string, ranked bool) (search.Response, error) {
	if strings.TrimSpace(text) == "" {
		return search.Response{}, domainError(422, "VALIDATION_ERROR", "query must not be empty", nil)
	}

	query := search.Query{Text: text}
	var response search.Response
	if ranked {
		response = s.search.SearchRanked(ctx, query)
	} else {
		response = s.search.Search(ctx, query)
	}

	accessible, err := s.accessibleCategorySet(ctx, viewer)
	if err != nil {
		return search.Response{}, err
	}
	filtered := make([]search.Result, 0, len(response.Results))
	for _, result := range response.Results {
		if !accessible[result.CategoryID] {
			continue
		}
		filtered = append(filtered, result)
	}
	response.Results = filtered
	response.Total = len(filtered)
	return response, nil
}

// ThreadHistory lists recorded revisions of a thread and its replies.
// Only the thread author and admins may audit edits.
func (s *Service) ThreadHistory(ctx context.Context, viewer Session, threadID string, limit int) (map[string]any, error) {
	if err := s.requireLogin(viewer); err != nil {
		return nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireCategoryAccess(ctx, viewer, thread.CategoryID); err != nil {
		return nil, err
	}
	if err := s.requireAuthorOrAdmin(viewer, thread.AuthorID); err != nil {
		return nil, err
	}

	entries, err := s.history.History(threadID, limit)
	if err != nil {
		return nil, domainError(404, "NOT_FOUND", "No recorded history for this thread", nil)
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"hash":      entry.Hash,
			"message":   entry.Message,
			"author":    entry.Author,
			"createdAt": entry.CreatedAt,
		})
	}
	return map[string]any{"threadId": threadID, "history": items}, nil
}

// requireAuthor gates edit and delete. Only the author may change or
// remove a post; admins get no override here.
func (s *Service) requireAuthor(viewer Session, authorID string) error {
	if viewer.UserID == authorID {
		return nil
	}
	return domainError(403, "NOT_AUTHORIZED", "Only the author may do this", nil)
}

func (s *Service) requireAuthorOrAdmin(viewer Session, authorID string) error {
	if viewer.Admin || viewer.UserID == authorID {
		return nil
	}
	return domainError(403, "NOT_AUTHORIZED", "Only the author or an admin may do this", nil)
}

func threadPayload(thread store.Thread) map[string]any {
	return map[string]any{
		"id":         thread.ID,
		"categoryId": thread.CategoryID,
		"author":     thread.AuthorName,
		"title":      thread.Title,
		"body":       thread.Body,
		"createdAt":  thread.CreatedAt,
		"updatedAt":  thread.UpdatedAt,
	}
}

func replyPayload(reply store.Reply) map[string]any {
	return map[string]any{
		"id":            reply.ID,
		"threadId":      reply.ThreadID,
		"author":        reply.AuthorName,
		"body":          reply.Body,
		"likeCount":     reply.LikeCount,
		"likedBy":       reply.LikedBy,
		"likedByViewer": reply.LikedByViewer,
		"createdAt":     reply.CreatedAt,
		"updatedAt":     reply.UpdatedAt,
	}
}

func threadRecord(thread store.Thread) search.ThreadRecord {
	return search.ThreadRecord{
		ID:         thread.ID,
		CategoryID: thread.CategoryID,
		Title:      thread.Title,
		Body:       thread.Body,
	}
}

func replyRecord(thread store.Thread, reply store.Reply) search.ReplyRecord {
	return search.ReplyRecord{
		ID:         reply.ID,
		ThreadID:   thread.ID,
		CategoryID: thread.CategoryID,
		Title:      thread.Title,
		Body:       reply.Body,
	}
}
