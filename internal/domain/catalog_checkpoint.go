package domain

import "time"

// CatalogCheckpoint remembers how far intake got through a catalog file, so a
// restarted run resumes paging instead of re-reading millions of rows.
// The cursor is only advanced after the rows before it were persisted.
type CatalogCheckpoint struct {
	ID         string     `gorm:"type:text;primaryKey" json:"id"` // catalog path
	Cursor     string     `gorm:"type:text" json:"cursor"`
	Rows       int64      `gorm:"default:0" json:"rows"`
	Skipped    int64      `gorm:"default:0" json:"skipped"`
	Exhausted  bool       `gorm:"default:false" json:"exhausted"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for CatalogCheckpoint.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (CatalogCheckpoint) TableName() string {
	return "catalog_checkpoints"
}
