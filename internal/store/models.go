package store

import "time"

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Admin        bool
	CreatedAt    time.Time
}

type Category struct {
	ID         string
	Name       string
	Restricted bool
	CreatedAt  time.Time
}

// CategoryOverview carries a category together with its lazily computed
// counters. LastActivity is nil for a category with no threads.
type CategoryOverview struct {
	Category
	ThreadCount  int
	PostCount    int
	LastActivity *time.Time
}

type Permission struct {
	ID         string
	CategoryID string
	UserID     string
	GrantedAt  time.Time
}

type Thread struct {
	ID         string
	CategoryID string
	AuthorID   string
	AuthorName string
	Title      string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ThreadOverview is a thread row enriched for listings. LastActivity
// falls back to the thread's own creation time when it has no replies.
type ThreadOverview struct {
	Thread
	ReplyCount   int
	LastActivity time.Time
}

type Reply struct {
	ID            string
	ThreadID      string
	AuthorID      string
	AuthorName    string
	Body          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LikeCount     int
	LikedByViewer bool
	LikedBy       []string
}
