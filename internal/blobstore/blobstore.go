// Package blobstore manages per-job artifacts on the local filesystem:
// submitted scripts, output directories, and flushed log files.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store lays out job artifacts under a root directory:
//
//	<root>/jobs/<jobID>/input/job.sh
//	<root>/jobs/<jobID>/output/
//	<root>/jobs/<jobID>/logs/job.log
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", jobID)
}

// ScriptPath returns the path of the job's input script.
func (s *Store) ScriptPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "input", "job.sh")
}

// OutputDir returns the job's writable output directory.
func (s *Store) OutputDir(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "output")
}

// LogPath returns the path of the job's flushed log file.
func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "logs", "job.log")
}

// SaveScript writes the submitted script and prepares the output
// directory. It returns the script path.
func (s *Store) SaveScript(jobID string, r io.Reader) (string, error) {
	path := s.ScriptPath(jobID)
	for _, dir := range []string{filepath.Dir(path), s.OutputDir(jobID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create job dirs: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

// AppendLog appends one line to the job's log file, creating it on
// first use.
func (s *Store) AppendLog(jobID, line string) error {
	path := s.LogPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// ReadLog returns the job's flushed log contents.
func (s *Store) ReadLog(jobID string) ([]byte, error) {
	return os.ReadFile(s.LogPath(jobID))
}

// Remove deletes all artifacts for a job.
func (s *Store) Remove(jobID string) error {
	return os.RemoveAll(s.jobDir(jobID))
}
