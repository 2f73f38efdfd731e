// Package audit records who changed what. Every successful mutation of an organization, its
// users, roles or devices becomes one LogEntry, shipped to the application log and optionally
// to an append-only JSON-lines file kept apart from it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/organization-manager/organization-manager/internal/config"
)

// LogEntry is one audited request
type LogEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Action         string    `json:"action"`
	Login          string    `json:"login,omitempty"`
	GlobalAdmin    bool      `json:"global_admin,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ResourceType   string    `json:"resource_type,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	AuthMethod     string    `json:"auth_method,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	StatusCode     int       `json:"status_code"`
}

// Shipper delivers entries to one destination
type Shipper interface {
	Ship(ctx context.Context, entry *LogEntry) error
	Close() error
}

// New builds the shippers enabled in cfg. The application log always receives entries.
func New(cfg *config.AuditConfig) (*MultiShipper, error) {
	shippers := []Shipper{NewLogShipper(slog.Default())}
	if cfg != nil && cfg.FilePath != "" {
		fs, err := NewFileShipper(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		shippers = append(shippers, fs)
	}
	return &MultiShipper{shippers: shippers}, nil
}

// MultiShipper fans entries out to several shippers
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper combines shippers
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// Ship sends entry to every shipper and joins their errors
func (m *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	var errs []error
	for _, s := range m.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every shipper
func (m *MultiShipper) Close() error {
	var errs []error
	for _, s := range m.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogShipper writes entries as structured log records
type LogShipper struct {
	logger *slog.Logger
}

// NewLogShipper creates a shipper writing to logger
func NewLogShipper(logger *slog.Logger) *LogShipper {
	return &LogShipper{logger: logger}
}

// Ship implements Shipper
func (s *LogShipper) Ship(ctx context.Context, e *LogEntry) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("action", e.Action),
		slog.String("login", e.Login),
		slog.Bool("global_admin", e.GlobalAdmin),
		slog.String("organization_id", e.OrganizationID),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.String("ip", e.IPAddress),
		slog.String("auth_method", e.AuthMethod),
		slog.String("request_id", e.RequestID),
		slog.Int("status", e.StatusCode),
	)
	return nil
}

// Close implements Shipper
func (s *LogShipper) Close() error { return nil }

// FileShipper appends entries as JSON lines and rotates the file past maxSizeMB
type FileShipper struct {
	path       string
	maxSizeMB  int
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens path for appending
func NewFileShipper(path string, maxSizeMB, maxBackups int) (*FileShipper, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &FileShipper{path: path, maxSizeMB: maxSizeMB, maxBackups: maxBackups, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return file, nil
}

// Ship implements Shipper
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size() > int64(fs.maxSizeMB)<<20 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log", "path", fs.path, "error", err)
			}
		}
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens it
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups))
		for i := fs.maxBackups - 1; i >= 1; i-- {
			_ = os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
		}
		_ = os.Rename(fs.path, fs.path+".1")
	} else {
		_ = os.Remove(fs.path)
	}

	file, err := openAppend(fs.path)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close implements Shipper
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
