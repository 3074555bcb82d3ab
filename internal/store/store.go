// Package store persists workflow runs and their step results. Results are
// write-once per (run, step); a second write fails with
// orchestrator.ErrAlreadyRecorded.
package store

import (
	"context"
	"errors"

	"github.com/danshapiro/robotflow/internal/orchestrator"
)

var ErrRunNotFound = errors.New("run not found")

type Store interface {
	orchestrator.Journal
	orchestrator.RunRecorder

	Run(ctx context.Context, runID string) (orchestrator.RunInfo, error)
	// Runs lists runs newest first.
	Runs(ctx context.Context) ([]orchestrator.RunInfo, error)
	Results(ctx context.Context, runID string) (map[string]orchestrator.StepResult, error)
	Close() error
}

// ResumeSeed loads a finished run's results and graph so a new run can pick up
// where it stopped.
func ResumeSeed(ctx context.Context, s Store, runID string) (orchestrator.RunInfo, map[string]orchestrator.StepResult, error) {
	info, err := s.Run(ctx, runID)
	if err != nil {
		return orchestrator.RunInfo{}, nil, err
	}
	results, err := s.Results(ctx, runID)
	if err != nil {
		return orchestrator.RunInfo{}, nil, err
	}
	return info, results, nil
}
