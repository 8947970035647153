// Package storage implements the on-disk spool: one directory per
// transaction holding metadata, stdout, stderr, exitcode, and pid files,
// written with write-to-temp-then-rename semantics so a reader never
// observes a torn file.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/puppetlabs/pxp-agent-sub000/internal/action"
)

const (
	metadataFile = "metadata"
	stdoutFile   = "stdout"
	stderrFile   = "stderr"
	exitcodeFile = "exitcode"
	pidFile      = "pid"
)

// Storage is the ResultsStorage: a thin, error-returning wrapper around the
// spool directory. None of its operations panic on missing files.
type Storage struct {
	spoolDir string
	logger   logrus.FieldLogger
}

// New returns a Storage rooted at spoolDir. The directory is created lazily
// per transaction, not at construction time.
func New(spoolDir string, logger logrus.FieldLogger) *Storage {
	return &Storage{spoolDir: spoolDir, logger: logger}
}

// Find reports whether a spool subdirectory exists for tid.
func (s *Storage) Find(tid string) bool {
	info, err := os.Stat(s.dir(tid))
	return err == nil && info.IsDir()
}

func (s *Storage) dir(tid string) string {
	return filepath.Join(s.spoolDir, tid)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// InitializeMetadata creates the transaction's spool directory if missing
// and writes its metadata file atomically.
func (s *Storage) InitializeMetadata(tid string, md *action.Metadata) error {
	dir := s.dir(tid)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.WithField("transaction_id", tid).Debug("creating results directory")
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create results directory: %w", err)
		}
	}

	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, metadataFile), append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// UpdateMetadata rewrites the metadata file for an existing transaction.
func (s *Storage) UpdateMetadata(tid string, md *action.Metadata) error {
	if !s.Find(tid) {
		return fmt.Errorf("no results directory for the transaction %s", tid)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir(tid), metadataFile), append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// GetActionMetadata reads, parses, and validates the metadata file for tid.
func (s *Storage) GetActionMetadata(tid string) (*action.Metadata, error) {
	path := filepath.Join(s.dir(tid), metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata file of the transaction %s does not exist", tid)
		}
		return nil, fmt.Errorf("failed to read metadata file of the transaction %s: %w", tid, err)
	}

	var md action.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		s.logger.WithField("transaction_id", tid).Debugf("metadata file is not valid JSON: %v", err)
		return nil, fmt.Errorf("invalid JSON in metadata file of the transaction %s", tid)
	}
	if err := md.Validate(); err != nil {
		s.logger.WithField("transaction_id", tid).Debugf("invalid action metadata: %v", err)
		return nil, fmt.Errorf("invalid action metadata of the transaction %s", tid)
	}
	return &md, nil
}

// PIDFileExists reports whether tid has a pid file.
func (s *Storage) PIDFileExists(tid string) bool {
	_, err := os.Stat(filepath.Join(s.dir(tid), pidFile))
	return err == nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value stored in file %s: %q", path, text)
	}
	return n, nil
}

// GetPID reads and parses the pid file for tid.
func (s *Storage) GetPID(tid string) (int, error) {
	return readInt(filepath.Join(s.dir(tid), pidFile))
}

// OutputIsReady reports whether the exitcode file for tid exists.
func (s *Storage) OutputIsReady(tid string) bool {
	_, err := os.Stat(filepath.Join(s.dir(tid), exitcodeFile))
	return err == nil
}

// GetOutput reads stdout/stderr/exitcode for tid, reading the exitcode from
// disk.
func (s *Storage) GetOutput(tid string) (action.Output, error) {
	return s.getOutput(tid, true, 0)
}

// GetOutputWithExitCode reads stdout/stderr for tid but uses the supplied
// exit code; the exitcode file is not read.
func (s *Storage) GetOutputWithExitCode(tid string, exitcode int) (action.Output, error) {
	return s.getOutput(tid, false, exitcode)
}

func (s *Storage) getOutput(tid string, readExitCode bool, exitcode int) (action.Output, error) {
	dir := s.dir(tid)
	out := action.Output{}

	if readExitCode {
		n, err := readInt(filepath.Join(dir, exitcodeFile))
		if err != nil {
			return out, err
		}
		out.ExitCode = n
	} else {
		out.ExitCode = exitcode
	}

	if data, err := os.ReadFile(filepath.Join(dir, stderrFile)); err == nil {
		out.StdErr = string(data)
	} else if !os.IsNotExist(err) {
		s.logger.WithField("transaction_id", tid).Warnf("failed to read stderr file, ignoring: %v", err)
	}

	stdoutPath := filepath.Join(dir, stdoutFile)
	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.WithField("transaction_id", tid).Debug("stdout file does not exist")
		} else {
			return out, fmt.Errorf("failed to read %s: %w", stdoutPath, err)
		}
	} else {
		out.StdOut = string(data)
	}

	return out, nil
}

// WritePID atomically writes pid to tid's pid file.
func (s *Storage) WritePID(tid string, pid int) error {
	return atomicWrite(filepath.Join(s.dir(tid), pidFile), []byte(strconv.Itoa(pid)+"\n"), 0640)
}

// Dir returns the spool subdirectory path for tid, creating nothing.
func (s *Storage) Dir(tid string) string {
	return s.dir(tid)
}

// Purge iterates spool subdirectories, skipping those named in
// ongoingTransactions, and invokes callback for any whose metadata status is
// not "running" and whose start time is older than ttl. If callback is nil,
// the directory is removed with os.RemoveAll. It returns the number of
// directories purged.
func (s *Storage) Purge(ttl time.Duration, ongoingTransactions []string, callback func(dir string)) (int, error) {
	if callback == nil {
		callback = func(dir string) { os.RemoveAll(dir) }
	}
	ongoing := make(map[string]struct{}, len(ongoingTransactions))
	for _, tid := range ongoingTransactions {
		ongoing[tid] = struct{}{}
	}

	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list spool directory: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	purged := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tid := entry.Name()
		if _, skip := ongoing[tid]; skip {
			continue
		}

		md, err := s.GetActionMetadata(tid)
		if err != nil {
			s.logger.WithField("transaction_id", tid).Debugf(
				"failed to get metadata (the results directory will not be removed): %v", err)
			continue
		}
		if md.Status == action.StatusRunning {
			continue
		}
		start, err := time.Parse(time.RFC3339, md.Start)
		if err != nil || start.After(cutoff) {
			continue
		}

		dir := s.dir(tid)
		s.logger.WithField("transaction_id", tid).Tracef("removing %s", dir)
		callback(dir)
		purged++
	}

	if purged > 0 {
		s.logger.Infof("purged %d transaction(s) older than %s", purged, humanize.Time(cutoff))
	}
	return purged, nil
}
