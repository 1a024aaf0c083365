package storage

import "time"

// CommandModel is the GORM model for the commands table
type CommandModel struct {
	CompletedAt time.Time `gorm:"not null;index:idx_completed_at"`
	CreatedAt   time.Time
	Error       string `gorm:"not null;default:''"`
	ItemID      string `gorm:"primaryKey"`
	SessionKey  string `gorm:"not null;index:idx_session_key"`
	Status      string `gorm:"not null;check:status IN ('completed','failed','cancelled')"`
	Text        string `gorm:"not null;default:''"`
	ThreadID    string `gorm:"not null;default:''"`
}

// TableName specifies the table name for GORM
func (CommandModel) TableName() string { return "commands" }

// ThreadModel is the GORM model for the threads table
type ThreadModel struct {
	Cwd        string `gorm:"not null;default:''"`
	Model      string `gorm:"not null;default:''"`
	SessionKey string `gorm:"primaryKey"`
	ThreadID   string `gorm:"not null"`
	UpdatedAt  time.Time
}

// TableName specifies the table name for GORM
func (ThreadModel) TableName() string { return "threads" }
