package domain

import "time"

// RunStatus represents the status of one engine run.
// Values include RunStatusRunning, RunStatusCompleted, RunStatusHalted,
// RunStatusCanceled, and RunStatusFailed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusHalted    RunStatus = "halted"
	RunStatusCanceled  RunStatus = "canceled"
	RunStatusFailed    RunStatus = "failed"
)

// Run records one invocation of the engine and the counts it finished with.
type Run struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	Host         string     `gorm:"type:text" json:"host"`
	CatalogPath  string     `gorm:"type:text;index" json:"catalog_path"`
	Status       RunStatus  `gorm:"type:text;default:running" json:"status"`
	Workers      int        `json:"workers"`
	Done         int64      `gorm:"default:0" json:"done"`
	Dead         int64      `gorm:"default:0" json:"dead"`
	Pending      int64      `gorm:"default:0" json:"pending"`
	Failed       int64      `gorm:"default:0" json:"failed"`
	Committed    int64      `gorm:"default:0" json:"committed"`
	SkippedRows  int64      `gorm:"default:0" json:"skipped_rows"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Run.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Run) TableName() string {
	return "runs"
}
