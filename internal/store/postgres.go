package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// failure, used to turn racing inserts into conflict responses.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Username, user.PasswordHash, user.Admin, user.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Admin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Admin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) PromoteAdmin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = TRUE WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("promote admin: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCategoryOverviews(ctx context.Context) ([]CategoryOverview, error) {
	const query = `
		SELECT c.id, c.name, c.is_restricted, c.created_at,
			COUNT(DISTINCT t.id) AS thread_count,
			COUNT(DISTINCT t.id) + COUNT(r.id) AS post_count,
			GREATEST(MAX(t.created_at), MAX(r.created_at)) AS last_activity
		FROM categories c
		LEFT JOIN threads t ON t.category_id = c.id
		LEFT JOIN replies r ON r.thread_id = t.id
		GROUP BY c.id
		ORDER BY c.created_at, c.name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var items []CategoryOverview
	for rows.Next() {
		var item CategoryOverview
		if err := rows.Scan(&item.ID, &item.Name, &item.Restricted, &item.CreatedAt,
			&item.ThreadCount, &item.PostCount, &item.LastActivity); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var category Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_restricted, created_at FROM categories WHERE id = $1
	`, categoryID).Scan(&category.ID, &category.Name, &category.Restricted, &category.CreatedAt)
	if err != nil {
		return Category{}, err
	}
	return category, nil
}

// InsertCategory writes the category and its initial grants in one
// transaction so a restricted category is never visible without them.
func (s *PostgresStore) InsertCategory(ctx context.Context, category Category, grants []Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create category: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO categories (id, name, is_restricted, created_at)
		VALUES ($1, $2, $3, $4)
	`, category.ID, category.Name, category.Restricted, category.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("insert category: %w", err)
	}

	for _, grant := range grants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO category_permissions (id, category_id, user_id, granted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (category_id, user_id) DO NOTHING
		`, grant.ID, grant.CategoryID, grant.UserID, grant.GrantedAt)
		if err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create category: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, categoryID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, categoryID)
	if err != nil {
		return false, fmt.Errorf("delete category: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete category rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertPermission(ctx context.Context, grant Permission) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO category_permissions (id, category_id, user_id, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category_id, user_id) DO NOTHING
	`, grant.ID, grant.CategoryID, grant.UserID, grant.GrantedAt)
	if err != nil {
		return false, fmt.Errorf("insert permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert permission rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) HasPermission(ctx context.Context, categoryID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM category_permissions WHERE category_id = $1 AND user_id = $2)
	`, categoryID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check permission: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListGrantedCategoryIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category_id FROM category_permissions WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	granted := map[string]bool{}
	for rows.Next() {
		var categoryID string
		if err := rows.Scan(&categoryID); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		granted[categoryID] = true
	}
	return granted, rows.Err()
}

func (s *PostgresStore) ListThreadOverviews(ctx context.Context, categoryID string) ([]ThreadOverview, error) {
	const query = `
		SELECT t.id, t.category_id, t.author_id, u.username, t.title, t.body,
			t.created_at, t.updated_at,
			COUNT(r.id) AS reply_count,
			COALESCE(MAX(r.created_at), t.created_at) AS last_activity
		FROM threads t
		JOIN users u ON u.id = t.author_id
		LEFT JOIN replies r ON r.thread_id = t.id
		WHERE t.category_id = $1
		GROUP BY t.id, u.username
		ORDER BY last_activity DESC
	`
	rows, err := s.db.QueryContext(ctx, query, categoryID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var items []ThreadOverview
	for rows.Next() {
		var item ThreadOverview
		if err := rows.Scan(&item.ID, &item.CategoryID, &item.AuthorID, &item.AuthorName,
			&item.Title, &item.Body, &item.CreatedAt, &item.UpdatedAt,
			&item.ReplyCount, &item.LastActivity); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.category_id, t.author_id, u.username, t.title, t.body, t.created_at, t.updated_at
		FROM threads t
		JOIN users u ON u.id = t.author_id
		WHERE t.id = $1
	`, threadID).Scan(&thread.ID, &thread.CategoryID, &thread.AuthorID, &thread.AuthorName,
		&thread.Title, &thread.Body, &thread.CreatedAt, &thread.UpdatedAt)
	if err != nil {
		return Thread{}, err
	}
	return thread, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, category_id, author_id, title, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, thread.ID, thread.CategoryID, thread.AuthorID, thread.Title, thread.Body,
		thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateThread(ctx context.Context, threadID, title, body string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET title = $2, body = $3, updated_at = NOW() WHERE id = $1
	`, threadID, title, body)
	if err != nil {
		return false, fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update thread rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread rows: %w", err)
	}
	return affected > 0, nil
}

// ListReplies returns a thread's replies in posting order together with
// like counters for the given viewer. viewerID may be empty.
func (s *PostgresStore) ListReplies(ctx context.Context, threadID, viewerID string) ([]Reply, error) {
	const query = `
		SELECT r.id, r.thread_id, r.author_id, u.username, r.body, r.created_at, r.updated_at,
			COUNT(l.id) AS like_count,
			BOOL_OR(l.user_id = $2) IS TRUE AS liked_by_viewer,
			COALESCE(STRING_AGG(lu.username, ',' ORDER BY lu.username), '') AS liked_by
		FROM replies r
		JOIN users u ON u.id = r.author_id
		LEFT JOIN reply_likes l ON l.reply_id = r.id
		LEFT JOIN users lu ON lu.id = l.user_id
		WHERE r.thread_id = $1
		GROUP BY r.id, u.username
		ORDER BY r.created_at, r.id
	`
	rows, err := s.db.QueryContext(ctx, query, threadID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	var items []Reply
	for rows.Next() {
		var item Reply
		var likedBy string
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.AuthorID, &item.AuthorName,
			&item.Body, &item.CreatedAt, &item.UpdatedAt,
			&item.LikeCount, &item.LikedByViewer, &likedBy); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		item.LikedBy = []string{}
		if likedBy != "" {
			item.LikedBy = strings.Split(likedBy, ",")
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetReply(ctx context.Context, replyID string) (Reply, error) {
	var reply Reply
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.thread_id, r.author_id, u.username, r.body, r.created_at, r.updated_at
		FROM replies r
		JOIN users u ON u.id = r.author_id
		WHERE r.id = $1
	`, replyID).Scan(&reply.ID, &reply.ThreadID, &reply.AuthorID, &reply.AuthorName,
		&reply.Body, &reply.CreatedAt, &reply.UpdatedAt)
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (s *PostgresStore) InsertReply(ctx context.Context, reply Reply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replies (id, thread_id, author_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reply.ID, reply.ThreadID, reply.AuthorID, reply.Body, reply.CreatedAt, reply.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateReply(ctx context.Context, replyID, body string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE replies SET body = $2, updated_at = NOW() WHERE id = $1
	`, replyID, body)
	if err != nil {
		return false, fmt.Errorf("update reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteReply(ctx context.Context, replyID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE id = $1`, replyID)
	if err != nil {
		return false, fmt.Errorf("delete reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertLike(ctx context.Context, likeID, replyID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reply_likes (id, reply_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (reply_id, user_id) DO NOTHING
	`, likeID, replyID, userID)
	if err != nil {
		return false, fmt.Errorf("insert like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert like rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteLike(ctx context.Context, replyID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reply_likes WHERE reply_id = $1 AND user_id = $2
	`, replyID, userID)
	if err != nil {
		return false, fmt.Errorf("delete like: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete like rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.password_hash, u.is_admin, u.created_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
			AND s.revoked_at IS NULL
			AND s.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username,
		&user.PasswordHash, &user.Admin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
