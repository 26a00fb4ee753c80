package activity

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("activity: database handle is required")

// GormSource computes activity snapshots from the platform tables.
type GormSource struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormSource constructs a snapshot source over the provided database.
func NewGormSource(db *gorm.DB, logger *zap.Logger) (*GormSource, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormSource{db: db, logger: logger}, nil
}

type categoryCount struct {
	Category string
	Total    int64
}

// Snapshot returns the user's counts within window. Timestamps are compared
// in UTC; the streak counter is not windowed.
func (s *GormSource) Snapshot(ctx context.Context, userID string, window Window) (Snapshot, error) {
	db := s.db.WithContext(ctx)
	snapshot := Snapshot{PostsByCategory: map[string]int64{}}

	var categories []categoryCount
	postQuery := applyWindow(db.Model(&Post{}), "posts.created_at", window).
		Select("lower(trim(category)) AS category, COUNT(*) AS total").
		Where("author_id = ?", userID).
		Group("lower(trim(category))")
	if err := postQuery.Scan(&categories).Error; err != nil {
		return Snapshot{}, s.wrap("posts", userID, err)
	}
	for _, row := range categories {
		snapshot.TotalPosts += row.Total
		snapshot.PostsByCategory[NormalizeCategory(row.Category)] += row.Total
	}

	if err := applyWindow(db.Model(&Like{}), "post_likes.created_at", window).
		Where("user_id = ?", userID).
		Count(&snapshot.LikesGiven).Error; err != nil {
		return Snapshot{}, s.wrap("likes_given", userID, err)
	}
	if err := applyWindow(db.Model(&Like{}), "post_likes.created_at", window).
		Joins("JOIN posts ON posts.post_id = post_likes.post_id").
		Where("posts.author_id = ?", userID).
		Count(&snapshot.LikesReceived).Error; err != nil {
		return Snapshot{}, s.wrap("likes_received", userID, err)
	}
	if err := applyWindow(db.Model(&Bookmark{}), "post_bookmarks.created_at", window).
		Where("user_id = ?", userID).
		Count(&snapshot.BookmarksGiven).Error; err != nil {
		return Snapshot{}, s.wrap("bookmarks_given", userID, err)
	}
	if err := applyWindow(db.Model(&Bookmark{}), "post_bookmarks.created_at", window).
		Joins("JOIN posts ON posts.post_id = post_bookmarks.post_id").
		Where("posts.author_id = ?", userID).
		Count(&snapshot.BookmarksReceived).Error; err != nil {
		return Snapshot{}, s.wrap("bookmarks_received", userID, err)
	}

	var streak Streak
	err := db.Where("user_id = ?", userID).Take(&streak).Error
	switch {
	case err == nil:
		snapshot.StreakDays = streak.CurrentDays
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return Snapshot{}, s.wrap("streak", userID, err)
	}

	return snapshot, nil
}

func applyWindow(query *gorm.DB, column string, window Window) *gorm.DB {
	if !window.Since.IsZero() {
		query = query.Where(column+" >= ?", window.Since.UTC())
	}
	if !window.Until.IsZero() {
		query = query.Where(column+" < ?", window.Until.UTC())
	}
	return query
}

func (s *GormSource) wrap(metric, userID string, err error) error {
	s.logger.Error("activity metric query failed",
		zap.String("metric", metric),
		zap.String("user_id", userID),
		zap.Error(err))
	return fmt.Errorf("activity: %s: %w", metric, err)
}
