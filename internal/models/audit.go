package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RetrievalAudit records the terminal state of one retrieval request
type RetrievalAudit struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RequestID    uuid.UUID `gorm:"type:uuid;not null;index" json:"request_id"`
	DataSource   string    `gorm:"type:varchar(100);not null;index" json:"data_source"`
	Class        string    `gorm:"type:varchar(20);not null;index" json:"class"`
	ResourceKind string    `gorm:"type:varchar(30);not null" json:"resource_kind"`
	StudyUID     string    `gorm:"type:varchar(64);index" json:"study_uid"`
	SeriesUID    string    `gorm:"type:varchar(64)" json:"series_uid,omitempty"`
	InstanceUID  string    `gorm:"type:varchar(64)" json:"instance_uid,omitempty"`
	State        string    `gorm:"type:varchar(20);index" json:"state"` // complete, failed, cancelled
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	QueuedMs     int64     `json:"queued_ms"`
	Duration     int64     `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (RetrievalAudit) TableName() string {
	return "retrieval_audits"
}

// BeforeCreate hook
func (a *RetrievalAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// ConnectionStatus represents the status of an archive connection
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}
