package models

import "time"

// RepairStatus tracks a journal entry through the reconciler.
type RepairStatus string

const (
	RepairPending RepairStatus = "pending"
	RepairDone    RepairStatus = "done"
	RepairFailed  RepairStatus = "failed"
)

// RepairTask records a follow edge left half-written so the reconciler can finish it.
type RepairTask struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	Op          GraphOp      `gorm:"size:16;not null" json:"op"`
	ActorID     string       `gorm:"size:64;not null;index:idx_repair_pair" json:"actor_id"`
	TargetID    string       `gorm:"size:64;not null;index:idx_repair_pair" json:"target_id"`
	MissingSide EdgeSide     `gorm:"size:16;not null" json:"missing_side"`
	Status      RepairStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

// TableName specifies the table name for GORM
func (RepairTask) TableName() string {
	return "repair_tasks"
}
