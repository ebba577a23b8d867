// Package database persists batch history records.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
)

// ErrNotFound is returned by GetBatch for an unknown id.
var ErrNotFound = errors.New("database: batch not found")

// Store defines the interface for history operations
type Store interface {
	SaveBatch(ctx context.Context, rec *models.BatchRecord) error
	GetBatch(ctx context.Context, id string) (*models.BatchRecord, error)
	Close() error
}

// schemaStore is implemented by stores that can create their own table.
type schemaStore interface {
	EnsureSchema(ctx context.Context) error
}

// These indirection variables allow tests to override the concrete
// store constructors so we can exercise New(...) without real DBs.
var (
	newPostgresStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewPostgresStore(ctx, cfg, m)
	}
	newMySQLStoreFunc = func(cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewMySQLStore(cfg, m)
	}
	newRedisStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewRedisStore(ctx, cfg, m)
	}
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New creates a history store for the configured engine. With no history
// URL configured it returns a NopStore.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.HistoryEngine {
	case "":
		return NopStore{}, nil
	case "postgres", "postgresql":
		store, err = newPostgresStoreFunc(ctx, cfg, m)
	case "mysql":
		store, err = newMySQLStoreFunc(cfg, m)
	case "redis", "rediss":
		store, err = newRedisStoreFunc(ctx, cfg, m)
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.HistoryEngine)
	}
	if err != nil {
		return nil, err
	}

	if s, ok := store.(schemaStore); ok {
		if err := s.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("create history table: %w", err)
		}
	}
	return store, nil
}

func checkTableName(name string) (string, error) {
	if name == "" {
		name = "batches"
	}
	if !tableName.MatchString(name) {
		return "", fmt.Errorf("invalid history table name: %q", name)
	}
	return name, nil
}

// NopStore discards history.
type NopStore struct{}

func (NopStore) SaveBatch(context.Context, *models.BatchRecord) error { return nil }

func (NopStore) GetBatch(context.Context, string) (*models.BatchRecord, error) {
	return nil, ErrNotFound
}

func (NopStore) Close() error { return nil }

// columns is the column list shared by the SQL stores.
const columns = "id, name, source, status, total, completed, succeeded, skipped, archive_name, archive_bytes, location, started_at, finished_at"

// args flattens rec in column order.
func args(rec *models.BatchRecord) ([]any, error) {
	skipped, err := json.Marshal(rec.Skipped)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, rec.Name, rec.Source, string(rec.Status),
		rec.Total, rec.Completed, rec.Succeeded, string(skipped),
		rec.ArchiveName, rec.ArchiveBytes, rec.Location,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	}, nil
}

// scanRecord reads one row in column order.
func scanRecord(scan func(dest ...any) error) (*models.BatchRecord, error) {
	var (
		rec     models.BatchRecord
		status  string
		skipped []byte
	)
	err := scan(
		&rec.ID, &rec.Name, &rec.Source, &status,
		&rec.Total, &rec.Completed, &rec.Succeeded, &skipped,
		&rec.ArchiveName, &rec.ArchiveBytes, &rec.Location,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.BatchStatus(status)
	if len(skipped) > 0 {
		if err := json.Unmarshal(skipped, &rec.Skipped); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func observe(m *metrics.Metrics, dbType string, start time.Time) {
	m.DatabaseQueryDuration.WithLabelValues(dbType).Observe(time.Since(start).Seconds())
}
