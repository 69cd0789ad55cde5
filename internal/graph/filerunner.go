package graph

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FileRunner appends rendered statements to a log file, one per line, for
// later import into an external graph database. Safe for concurrent use.
type FileRunner struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileRunner opens (or creates) the statement log at path in append mode.
func NewFileRunner(path string) (*FileRunner, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement log: %w", err)
	}
	return &FileRunner{file: f}, nil
}

// Run appends one statement, terminated with a semicolon.
func (r *FileRunner) Run(ctx context.Context, statement string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := fmt.Fprintf(r.file, "%s;\n", statement); err != nil {
		return fmt.Errorf("failed to append statement: %w", err)
	}
	return nil
}

// Close syncs and closes the log file.
func (r *FileRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Sync(); err != nil {
		_ = r.file.Close()
		return err
	}
	return r.file.Close()
}
