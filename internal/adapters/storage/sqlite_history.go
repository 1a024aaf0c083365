package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// SQLiteHistory implements ports.HistoryStore using GORM
type SQLiteHistory struct {
	db *gorm.DB
}

// Verify interface compliance at compile time
var _ ports.HistoryStore = (*SQLiteHistory)(nil)

// gormLogger wraps the tether logger for GORM
type gormLogger struct {
	level logger.LogLevel
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		logging.Logger.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		logging.Logger.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		logging.Logger.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logging.Logger.Error("gorm query error",
			"error", err,
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else if elapsed > 200*time.Millisecond {
		logging.Logger.Warn("slow query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else {
		logging.Logger.Debug("gorm query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	}
}

func newGormLogger() logger.Interface {
	if os.Getenv("TETHER_DEBUG") == "1" {
		return (&gormLogger{}).LogMode(logger.Info)
	}
	return (&gormLogger{}).LogMode(logger.Silent)
}

// NewSQLiteHistory opens (creating if needed) the history database
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	// Expand home directory if present
	if len(dbPath) > 0 && dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the CLI read history while the server writes it
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&CommandModel{}, &ThreadModel{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}

	logging.Logger.Debug("History database ready", "path", dbPath)
	return &SQLiteHistory{db: db}, nil
}

// Close closes the database connection
func (r *SQLiteHistory) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordCommand stores a finished command. Recording the same item twice
// keeps the latest outcome.
func (r *SQLiteHistory) RecordCommand(ctx context.Context, rec ports.CommandRecord) error {
	model := recordToCommandModel(rec)
	return withRetry(func() error {
		err := r.db.WithContext(ctx).Create(&model).Error
		if isPrimaryKeyConflict(err) {
			err = r.db.WithContext(ctx).Save(&model).Error
		}
		if err != nil {
			return fmt.Errorf("failed to record command %s: %w", rec.ItemID, err)
		}
		return nil
	}, 3)
}

// ListCommands returns the newest commands of a session first. A limit of
// zero or less returns all of them.
func (r *SQLiteHistory) ListCommands(ctx context.Context, sessionKey string, limit int) ([]ports.CommandRecord, error) {
	query := r.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("completed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []CommandModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list commands for %s: %w", sessionKey, err)
	}

	records := make([]ports.CommandRecord, 0, len(models))
	for _, m := range models {
		records = append(records, commandModelToRecord(m))
	}
	return records, nil
}

// ListCommandsSince returns every command completed at or after since,
// oldest first
func (r *SQLiteHistory) ListCommandsSince(ctx context.Context, since time.Time) ([]ports.CommandRecord, error) {
	var models []CommandModel
	err := r.db.WithContext(ctx).
		Where("completed_at >= ?", since.UTC()).
		Order("completed_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}

	records := make([]ports.CommandRecord, 0, len(models))
	for _, m := range models {
		records = append(records, commandModelToRecord(m))
	}
	return records, nil
}

// SaveThread remembers the conversation a session key is bound to
func (r *SQLiteHistory) SaveThread(ctx context.Context, rec ports.ThreadRecord) error {
	model := recordToThreadModel(rec)
	return withRetry(func() error {
		if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
			return fmt.Errorf("failed to save thread for %s: %w", rec.SessionKey, err)
		}
		return nil
	}, 3)
}

// LoadThread returns the remembered conversation, or nil when there is none
func (r *SQLiteHistory) LoadThread(ctx context.Context, sessionKey string) (*ports.ThreadRecord, error) {
	var model ThreadModel
	err := r.db.WithContext(ctx).Where("session_key = ?", sessionKey).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread for %s: %w", sessionKey, err)
	}

	rec := threadModelToRecord(model)
	return &rec, nil
}

// DeleteThread forgets the conversation of a session key
func (r *SQLiteHistory) DeleteThread(ctx context.Context, sessionKey string) error {
	return withRetry(func() error {
		err := r.db.WithContext(ctx).Where("session_key = ?", sessionKey).Delete(&ThreadModel{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete thread for %s: %w", sessionKey, err)
		}
		return nil
	}, 3)
}

func isPrimaryKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.Code == sqlite3.ErrConstraint &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique)
}

// withRetry retries operations on SQLITE_BUSY with exponential backoff
func withRetry(fn func() error, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}
