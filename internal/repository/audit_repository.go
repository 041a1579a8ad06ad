package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"gorm.io/gorm"
)

// AuditRepository handles retrieval audit database operations
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *models.RetrievalAudit) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows audit queries. Zero fields match everything.
type AuditFilter struct {
	DataSource string
	StudyUID   string
	Class      string
	State      string
	Since      time.Time
	Limit      int
	Offset     int
}

func (f AuditFilter) apply(query *gorm.DB) *gorm.DB {
	if f.DataSource != "" {
		query = query.Where("data_source = ?", f.DataSource)
	}
	if f.StudyUID != "" {
		query = query.Where("study_uid = ?", f.StudyUID)
	}
	if f.Class != "" {
		query = query.Where("class = ?", f.Class)
	}
	if f.State != "" {
		query = query.Where("state = ?", f.State)
	}
	if !f.Since.IsZero() {
		query = query.Where("created_at >= ?", f.Since)
	}
	return query
}

// List retrieves audit entries, newest first
func (r *AuditRepository) List(ctx context.Context, filter AuditFilter) ([]models.RetrievalAudit, error) {
	var entries []models.RetrievalAudit
	query := filter.apply(r.db.WithContext(ctx).Model(&models.RetrievalAudit{})).
		Order("created_at DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	return entries, nil
}

// StateCount is the number of requests that ended in one state
type StateCount struct {
	Class string `json:"class"`
	State string `json:"state"`
	Count int64  `json:"count"`
}

// CountByState aggregates terminal states per class
func (r *AuditRepository) CountByState(ctx context.Context, filter AuditFilter) ([]StateCount, error) {
	var counts []StateCount
	if err := filter.apply(r.db.WithContext(ctx).Model(&models.RetrievalAudit{})).
		Select("class, state, count(*) as count").
		Group("class, state").
		Order("class, state").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return counts, nil
}
