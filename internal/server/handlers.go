package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/robotflow/internal/orchestrator"
	"github.com/danshapiro/robotflow/internal/runstate"
	"github.com/danshapiro/robotflow/internal/store"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := 0
	for _, rs := range s.registry.List() {
		select {
		case <-rs.Done():
		default:
			live++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   live,
		"tools":  len(s.opts.Tools.Definitions()),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, len(s.opts.Workflows))
	for _, d := range s.opts.Workflows {
		out = append(out, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"vars":        d.VarNames(),
			"steps":       len(d.Steps),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Tools.Definitions())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	var out []RunSummary
	for _, rs := range s.registry.List() {
		st := rs.Status()
		seen[rs.RunID] = true
		out = append(out, RunSummary{
			RunID:     rs.RunID,
			Workflow:  rs.Workflow,
			Status:    orchestrator.RunStatus(st.State),
			Live:      st.Live,
			StartedAt: rs.StartedAt,
		})
	}
	if s.opts.Store != nil {
		infos, err := s.opts.Store.Runs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
			return
		}
		for _, info := range infos {
			if seen[info.RunID] {
				continue
			}
			sum := RunSummary{
				RunID:       info.RunID,
				Workflow:    info.Workflow,
				Status:      info.Status,
				ResumedFrom: info.ResumedFrom,
				StartedAt:   info.StartedAt,
			}
			if !info.FinishedAt.IsZero() {
				at := info.FinishedAt
				sum.FinishedAt = &at
			}
			out = append(out, sum)
		}
	}
	if out == nil {
		out = []RunSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = ulid.Make().String()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	if _, ok := s.registry.Get(runID); ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already exists", runID))
		return
	}
	if s.opts.Store != nil {
		if _, err := s.opts.Store.Run(r.Context(), runID); err == nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("run %s already exists", runID))
			return
		}
	}

	g, seed, status, err := s.resolveGraph(r, req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	runDir := ""
	if s.opts.RunDir != nil {
		runDir = s.opts.RunDir(runID)
	}
	bc := NewBroadcaster()
	gate := NewWebGate()
	opts := orchestrator.RunOptions{
		RunID:       runID,
		RunDir:      runDir,
		Policy:      s.opts.Policy,
		Gate:        gate,
		Logger:      &s.logger,
		Metrics:     s.opts.Metrics,
		MaxParallel: s.opts.MaxParallel,
		Seed:        seed,
		ResumedFrom: req.ResumeFrom,
		OnEvent:     bc.Send,
	}
	if s.opts.Store != nil {
		opts.Journal = s.opts.Store
	}
	run, err := orchestrator.NewRun(g, s.opts.Tools, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rs := newRunState(run, g.Name(), bc, gate)
	if err := s.registry.Register(rs); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if runDir != "" {
		if err := runstate.MarkOwner(runDir); err != nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("write run pid file")
		}
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer bc.Close()
		defer gate.Cancel()
		rep, err := run.Execute(s.baseCtx)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("run failed to start")
		}
		rs.SetResult(rep, err)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

// resolveGraph builds the graph a submit request asks for, along with the seed
// of a resumed run. The int is the HTTP status to use on error.
func (s *Server) resolveGraph(r *http.Request, req SubmitRunRequest) (*orchestrator.Graph, map[string]orchestrator.StepResult, int, error) {
	sources := 0
	for _, v := range []string{req.Workflow, req.Definition, req.ResumeFrom} {
		if strings.TrimSpace(v) != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, http.StatusBadRequest, errors.New("provide exactly one of workflow, definition or resume_from")
	}

	if req.ResumeFrom != "" {
		if s.opts.Store == nil {
			return nil, nil, http.StatusBadRequest, errors.New("resume needs a result store")
		}
		info, seed, err := store.ResumeSeed(r.Context(), s.opts.Store, req.ResumeFrom)
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, nil, http.StatusNotFound, err
		}
		if err != nil {
			return nil, nil, http.StatusInternalServerError, err
		}
		if !info.Status.Terminal() {
			return nil, nil, http.StatusConflict, fmt.Errorf("run %s has not finished (%s)", info.RunID, info.Status)
		}
		g, err := orchestrator.NewGraph(info.Workflow, info.Steps)
		if err != nil {
			return nil, nil, http.StatusUnprocessableEntity, err
		}
		return g, seed, 0, nil
	}

	var def orchestrator.Definition
	if req.Workflow != "" {
		found := false
		for _, d := range s.opts.Workflows {
			if d.Name == req.Workflow {
				def, found = d, true
				break
			}
		}
		if !found {
			return nil, nil, http.StatusNotFound, fmt.Errorf("unknown workflow %q", req.Workflow)
		}
	} else {
		var err error
		def, err = orchestrator.ParseDefinition([]byte(req.Definition))
		if err != nil {
			return nil, nil, http.StatusBadRequest, fmt.Errorf("invalid definition: %w", err)
		}
	}
	g, err := def.Build(req.Vars)
	if err != nil {
		return nil, nil, http.StatusUnprocessableEntity, err
	}
	for _, st := range g.Steps() {
		if _, ok := s.opts.Tools.Lookup(st.Tool); !ok {
			return nil, nil, http.StatusUnprocessableEntity, fmt.Errorf("step %s: unknown tool %q", st.ID, st.Tool)
		}
	}
	return g, nil, 0, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if rs, ok := s.registry.Get(runID); ok {
		writeJSON(w, http.StatusOK, rs.Status())
		return
	}
	if s.opts.Store == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}

	info, err := s.opts.Store.Run(r.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results, err := s.opts.Store.Results(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := RunStatus{
		RunID:     info.RunID,
		Workflow:  info.Workflow,
		State:     string(info.Status),
		StartedAt: info.StartedAt,
	}
	for _, st := range info.Steps {
		if res, ok := results[st.ID]; ok {
			status.Steps = append(status.Steps, res)
		}
	}
	if s.opts.RunDir != nil {
		status.RunDir = s.opts.RunDir(runID)
		if rep, err := orchestrator.LoadReport(filepath.Join(status.RunDir, orchestrator.ReportFileName)); err == nil {
			status.Report = rep
		} else if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("load report")
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.liveRun(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, rs.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.liveRun(w, r)
	if !ok {
		return
	}
	select {
	case <-rs.Done():
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already finished", rs.RunID))
		return
	default:
	}
	rs.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

func (s *Server) handleGetGates(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.liveRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rs.Gate.Pending())
}

func (s *Server) handleGetNotices(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.liveRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rs.Gate.Notices())
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	rs, ok := s.liveRun(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	d, err := orchestrator.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !rs.Gate.Decide(r.PathValue("gid"), d) {
		writeError(w, http.StatusNotFound, "gate not found or already decided")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decided", "decision": string(d)})
}

// liveRun looks up a run started by this server, writing a 404 if there is none.
func (s *Server) liveRun(w http.ResponseWriter, r *http.Request) (*RunState, bool) {
	runID := r.PathValue("id")
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return nil, false
	}
	return rs, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
