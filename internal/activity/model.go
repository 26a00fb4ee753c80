package activity

import (
	"strings"
	"time"
)

// Post is the read model of an authored post. Only the columns needed for
// progress metrics are mapped.
type Post struct {
	PostID    string    `gorm:"column:post_id;primaryKey;size:190;not null"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null;index:idx_posts_author_category,priority:1"`
	Category  string    `gorm:"column:category;size:190;not null;index:idx_posts_author_category,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Like records a user liking a post.
type Like struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PostID    string    `gorm:"column:post_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "post_likes"
}

// Bookmark records a user bookmarking a post.
type Bookmark struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PostID    string    `gorm:"column:post_id;primaryKey;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Bookmark) TableName() string {
	return "post_bookmarks"
}

// Streak holds the platform-maintained writing streak counter.
type Streak struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CurrentDays int64     `gorm:"column:current_days;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Streak) TableName() string {
	return "user_streaks"
}

// Window bounds activity by creation time. A zero Window covers all time.
type Window struct {
	Since time.Time
	Until time.Time
}

// Lifetime is the unbounded window.
var Lifetime = Window{}

// IsLifetime reports whether the window is unbounded.
func (w Window) IsLifetime() bool {
	return w.Since.IsZero() && w.Until.IsZero()
}

// Key identifies the window for memoization.
func (w Window) Key() string {
	if w.IsLifetime() {
		return "lifetime"
	}
	return w.Since.UTC().Format(time.RFC3339) + "/" + w.Until.UTC().Format(time.RFC3339)
}

// Snapshot aggregates a user's activity counts within a window.
type Snapshot struct {
	TotalPosts        int64
	PostsByCategory   map[string]int64
	LikesGiven        int64
	LikesReceived     int64
	BookmarksGiven    int64
	BookmarksReceived int64
	StreakDays        int64
}

// PostsInCategory returns the post count for the category, ignoring case and
// surrounding whitespace.
func (s Snapshot) PostsInCategory(category string) int64 {
	if s.PostsByCategory == nil {
		return 0
	}
	return s.PostsByCategory[NormalizeCategory(category)]
}

// NormalizeCategory canonicalizes a category qualifier.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
