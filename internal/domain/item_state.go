package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ItemStatus represents the processing status of a catalog item.
// Values include ItemStatusPending, ItemStatusLeased, ItemStatusDone,
// ItemStatusFailed, and ItemStatusDead.
type ItemStatus string

const (
	ItemStatusPending ItemStatus = "pending"
	ItemStatusLeased  ItemStatus = "leased"
	ItemStatusDone    ItemStatus = "done"
	ItemStatusFailed  ItemStatus = "failed"
	ItemStatusDead    ItemStatus = "dead"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []ItemStatus{
	ItemStatusPending,
	ItemStatusLeased,
	ItemStatusFailed,
	ItemStatusDone,
	ItemStatusDead,
}

// IsTerminal reports whether no further transition can leave the status.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusDone || s == ItemStatusDead
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// ItemState is the durable progress record of one catalog item.
// At most one row exists per ID; the lease columns are only meaningful while
// Status is ItemStatusLeased.
type ItemState struct {
	ID              string      `gorm:"type:text;primaryKey" json:"id"`
	SourceKey       string      `gorm:"type:text" json:"source_key"`
	Title           string      `gorm:"type:text" json:"title,omitempty"`
	StartSec        float64     `json:"start_sec"`
	EndSec          float64     `json:"end_sec"`
	Status          ItemStatus  `gorm:"type:text;index:idx_item_states_status;default:pending" json:"status"`
	Attempts        int         `gorm:"default:0" json:"attempts"`
	LastErrorClass  ErrorClass  `gorm:"type:text" json:"last_error_class,omitempty"`
	LastError       string      `gorm:"type:text" json:"last_error,omitempty"`
	LastAttemptedAt *time.Time  `json:"last_attempted_at,omitempty"`
	LeaseOwner      string      `gorm:"type:text" json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time  `gorm:"index:idx_item_states_lease" json:"lease_expires_at,omitempty"`
	RetryAfter      *time.Time  `json:"retry_after,omitempty"`
	OutputPaths     StringArray `gorm:"type:text" json:"output_paths"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TableName returns the database table name for ItemState.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ItemState) TableName() string {
	return "item_states"
}

// WorkItem rebuilds the catalog descriptor stored alongside the state.
func (s *ItemState) WorkItem() WorkItem {
	return WorkItem{
		ID:        s.ID,
		SourceKey: s.SourceKey,
		Title:     s.Title,
		StartSec:  s.StartSec,
		EndSec:    s.EndSec,
	}
}

// CommitSummary is what a worker hands the progress store when an item is done.
type CommitSummary struct {
	OutputPaths []string
	// PartialClass is set when one extraction path produced nothing usable.
	PartialClass ErrorClass
	PartialError string
}

// StatusCounts maps every status to the number of items in it.
type StatusCounts map[ItemStatus]int64

// Total sums all statuses.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// Unfinished counts items that are neither done nor dead.
func (c StatusCounts) Unfinished() int64 {
	return c[ItemStatusPending] + c[ItemStatusLeased] + c[ItemStatusFailed]
}
