package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

const (
	runInfoFile = "run.msgpack"
	resultsDir  = "results"
	resultExt   = ".msgpack"
)

// FileStore keeps one directory per run under Root:
//
//	<root>/<run_id>/run.msgpack
//	<root>/<run_id>/results/<step_id>.msgpack
//
// The run directory doubles as the run's progress/report directory.
type FileStore struct {
	Root   string
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewFileStore(root string, logger *zerolog.Logger) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("file store root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "store").Logger()
	}
	return &FileStore{Root: root, logger: l}, nil
}

// RunDir returns the directory for runID.
func (s *FileStore) RunDir(runID string) string {
	return filepath.Join(s.Root, url.PathEscape(runID))
}

func (s *FileStore) BeginRun(ctx context.Context, info orchestrator.RunInfo) error {
	if info.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.RunDir(info.RunID), runInfoFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("run %s already exists", info.RunID)
	}
	return writeMsgpackAtomic(path, info)
}

func (s *FileStore) FinishRun(ctx context.Context, runID string, status orchestrator.RunStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.readRun(runID)
	if err != nil {
		return err
	}
	info.Status = status
	info.FinishedAt = at
	return writeMsgpackAtomic(filepath.Join(s.RunDir(runID), runInfoFile), info)
}

func (s *FileStore) Append(ctx context.Context, runID string, r orchestrator.StepResult) error {
	if r.StepID == "" {
		return fmt.Errorf("step result has no step id")
	}
	dir := filepath.Join(s.RunDir(runID), resultsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := msgpack.Marshal(r)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, url.PathEscape(r.StepID)+resultExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: run %s step %s", orchestrator.ErrAlreadyRecorded, runID, r.StepID)
		}
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileStore) Run(ctx context.Context, runID string) (orchestrator.RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRun(runID)
}

func (s *FileStore) Runs(ctx context.Context) ([]orchestrator.RunInfo, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orchestrator.RunInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		info, err := s.readRun(id)
		if err != nil {
			s.logger.Debug().Err(err).Str("dir", e.Name()).Msg("skip run directory")
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *FileStore) Results(ctx context.Context, runID string) (map[string]orchestrator.StepResult, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.RunDir(runID), resultsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]orchestrator.StepResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]orchestrator.StepResult, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), resultExt) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var r orchestrator.StepResult
		if err := msgpack.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		out[r.StepID] = r
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readRun(runID string) (orchestrator.RunInfo, error) {
	b, err := os.ReadFile(filepath.Join(s.RunDir(runID), runInfoFile))
	if errors.Is(err, fs.ErrNotExist) {
		return orchestrator.RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return orchestrator.RunInfo{}, err
	}
	var info orchestrator.RunInfo
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	// Step args come back as plain int64/float64 rather than sized ints.
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&info); err != nil {
		return orchestrator.RunInfo{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return info, nil
}

func writeMsgpackAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
