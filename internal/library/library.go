// Package library is the persistent index of completed downloads, backed
// by SQLite. Schema changes go through versioned migrations, never
// auto-migration, so an old library file opened by a newer build upgrades
// deterministically.
package library

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"

	"github.com/clipfetch/clipfetch/internal/orchestrator"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var ErrNotFound = errors.New("no such library entry")

// Entry is one completed download in the library.
type Entry struct {
	ID        string `gorm:"primaryKey"`
	SourceID  string
	Title     string
	URL       string
	FilePath  string
	Quality   string
	Adapter   string
	FileSize  int64
	CreatedAt time.Time
}

type Library struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

var _ orchestrator.CompletionRecorder = (*Library)(nil)

// Open opens (creating if necessary) the library database and brings its
// schema up to date.
func Open(path string) (*Library, error) {
	gormLog := zapgorm2.New(zap.L().Named("library"))
	gormLog.SetAsDefault()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open library database: %w", err)
	}
	l := &Library{db: db, log: zap.S().Named("library")}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate library database: %w", err)
	}
	return l, nil
}

func (l *Library) migrate() error {
	src, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	switch err = m.Up(); err {
	case nil:
		l.log.Info("library migration complete")
	case migrate.ErrNoChange:
		l.log.Debug("library schema up to date")
	default:
		return err
	}
	return nil
}

func (l *Library) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordCompleted indexes a finished job. Re-recording the same job
// overwrites the earlier entry, so a retried download appears once.
func (l *Library) RecordCompleted(job orchestrator.Job) error {
	entry := Entry{
		ID:        job.ID,
		SourceID:  job.SourceRef.ID,
		Title:     job.Title,
		URL:       job.Locator,
		FilePath:  job.FilePath,
		Quality:   job.Quality,
		Adapter:   job.ChosenAdapter,
		CreatedAt: time.Now(),
	}
	if fi, err := os.Stat(job.FilePath); err == nil {
		entry.FileSize = fi.Size()
	}
	return l.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
}

// List returns entries newest first.
func (l *Library) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.Order("created_at DESC, id").Find(&entries).Error
	return entries, err
}

// Get returns one entry, or ErrNotFound.
func (l *Library) Get(id string) (*Entry, error) {
	var entry Entry
	err := l.db.First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Search matches entries whose title or URL contains the query,
// case-insensitively, newest first.
func (l *Library) Search(query string) ([]Entry, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	var entries []Entry
	err := l.db.
		Where("LOWER(title) LIKE ? OR LOWER(url) LIKE ?", pattern, pattern).
		Order("created_at DESC, id").
		Find(&entries).Error
	return entries, err
}

// Delete removes the entry, optionally deleting the downloaded file too.
// A missing file is not an error; a file that exists but cannot be removed is.
func (l *Library) Delete(id string, removeFile bool) error {
	entry, err := l.Get(id)
	if err != nil {
		return err
	}
	if removeFile && entry.FilePath != "" {
		if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove downloaded file: %w", err)
		}
	}
	return l.db.Delete(&Entry{}, "id = ?", id).Error
}
