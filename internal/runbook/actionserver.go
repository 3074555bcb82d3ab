package runbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/robotflow/internal/failure"
	"github.com/danshapiro/robotflow/internal/procutil"
	"github.com/danshapiro/robotflow/internal/tool"
)

const (
	serverErrorMarker = "Error executing action-server"
	outputArtifact    = "__action_server_output.txt"
	maxPortProbes     = 200
)

var serverURLParam = required("action_server_url", "Base URL of the running action server")

func (rb *Runbook) serverTools() []tool.Tool {
	return []tool.Tool{
		{
			Definition: tool.Definition{
				Name:        "action.start_server",
				Description: "Start the action server for a package on the first free port and return its URL",
				Params: []tool.Param{
					packageNameParam,
					optional("secrets", "JSON object of secret name to value, passed to the server environment"),
				},
			},
			Exec: rb.startServer,
		},
		{
			Definition: tool.Definition{
				Name:        "action.stop_server",
				Description: "Shut down a running action server",
				Params:      []tool.Param{serverURLParam},
			},
			Exec: rb.stopServer,
		},
		{
			Definition: tool.Definition{
				Name:        "action.server_status",
				Description: "Report whether the action server started for a package is still running",
				Params:      []tool.Param{packageNameParam},
			},
			Exec: rb.serverStatus,
		},
		{
			Definition: tool.Definition{
				Name:        "action.run_logs",
				Description: "Fetch the plain text output of one action run",
				Params:      []tool.Param{serverURLParam, required("run_id", "Run to fetch logs for")},
			},
			Exec: rb.runLogs,
		},
		{
			Definition: tool.Definition{
				Name:        "action.run_logs_latest",
				Description: "Fetch the plain text output of the latest action run",
				Params:      []tool.Param{serverURLParam},
			},
			Exec: rb.runLogsLatest,
		},
	}
}

// FindAvailablePort returns the first port from start that can be bound on
// the loopback interface.
func FindAvailablePort(start int) (int, error) {
	for port := start; port < start+maxPortProbes && port <= 65535; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", start, start+maxPortProbes-1)
}

func parseSecrets(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var secrets map[string]any
	if err := json.Unmarshal([]byte(raw), &secrets); err != nil || secrets == nil {
		return nil, failure.Newf(failure.ValidationFailure, "invalid argument secrets: want a JSON object of name to value")
	}
	env := make([]string, 0, len(secrets))
	for k, v := range secrets {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, failure.Newf(failure.ValidationFailure, "invalid argument secrets: bad secret name %q", k)
		}
		switch val := v.(type) {
		case string:
			env = append(env, k+"="+val)
		case map[string]any:
			// {"value": "..."} as the action server's secret model serializes it.
			s, ok := val["value"].(string)
			if !ok {
				return nil, failure.Newf(failure.ValidationFailure, "invalid argument secrets: %s must be a string or {\"value\": string}", k)
			}
			env = append(env, k+"="+s)
		default:
			return nil, failure.Newf(failure.ValidationFailure, "invalid argument secrets: %s must be a string or {\"value\": string}", k)
		}
	}
	sort.Strings(env)
	return env, nil
}

func (rb *Runbook) startServer(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	env, err := parseSecrets(tool.StringArg(args, "secrets", ""))
	if err != nil {
		return tool.Payload{}, err
	}
	port, err := FindAvailablePort(rb.cfg.ServerStartPort)
	if err != nil {
		return tool.Payload{}, failure.Wrap(failure.ProcessFailure, err)
	}

	logPath := filepath.Join(dir, serverLog)
	logFile, err := os.Create(logPath)
	if err != nil {
		return tool.Payload{}, err
	}
	defer logFile.Close()

	// The server outlives this call, so it is not bound to ctx.
	cmd := exec.Command(rb.cfg.ActionServerPath, "start", "--port", strconv.Itoa(port))
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = strings.NewReader("")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return tool.Payload{}, &failure.Error{
			Category: failure.ProcessFailure,
			Message:  fmt.Sprintf("cannot start %s: %v", rb.cfg.ActionServerPath, err),
			ExitCode: -1,
			Err:      err,
		}
	}
	pid := cmd.Process.Pid
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	pidPath := filepath.Join(dir, serverPIDLog)
	if err := procutil.WritePIDFile(pidPath, pid); err != nil {
		rb.logger.Warn().Err(err).Str("path", pidPath).Msg("write pid file")
	}

	base := fmt.Sprintf("http://localhost:%d", port)
	markers := []string{base, fmt.Sprintf("http://127.0.0.1:%d", port)}
	rb.logger.Info().Str("package", filepath.Base(dir)).Int("port", port).Int("pid", pid).Msg("action server starting")

	stop := func() {
		_ = procutil.TerminateGroup(pid)
		_ = os.Remove(pidPath)
	}
	deadline := time.NewTimer(rb.cfg.ServerStartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(rb.cfg.PollInterval)
	defer tick.Stop()
	for {
		logText := readFileString(logPath)
		if containsAnyString(logText, markers) {
			return tool.Payload{
				Output: "Action Server started at " + base,
				Data:   map[string]any{"url": base, "port": port, "pid": pid, "log": logPath},
			}, nil
		}
		if strings.Contains(logText, serverErrorMarker) {
			stop()
			return tool.Payload{Output: logText}, &failure.Error{
				Category: failure.ProcessFailure,
				Message:  "action server failed to start",
				Output:   logText,
			}
		}
		select {
		case <-exited:
			logText = readFileString(logPath)
			if containsAnyString(logText, markers) {
				continue
			}
			_ = os.Remove(pidPath)
			return tool.Payload{Output: logText}, &failure.Error{
				Category: failure.ProcessFailure,
				Message:  "action server exited before reporting its URL",
				Output:   logText,
			}
		case <-ctx.Done():
			stop()
			return tool.Payload{Output: logText}, ctx.Err()
		case <-deadline.C:
			stop()
			logText = readFileString(logPath)
			return tool.Payload{Output: logText}, &failure.Error{
				Category: failure.ProcessFailure,
				Message:  fmt.Sprintf("action server did not report %s within %s", base, rb.cfg.ServerStartTimeout),
				ExitCode: -1,
				Output:   logText,
			}
		case <-tick.C:
		}
	}
}

func (rb *Runbook) serverStatus(ctx context.Context, args map[string]any) (tool.Payload, error) {
	dir, err := rb.existingPackage(args)
	if err != nil {
		return tool.Payload{}, err
	}
	pid, err := procutil.ReadPIDFile(filepath.Join(dir, serverPIDLog))
	if errors.Is(err, fs.ErrNotExist) {
		return tool.Payload{Output: "action server not started", Data: map[string]any{"running": false}}, nil
	}
	if err != nil {
		return tool.Payload{}, err
	}
	alive := procutil.PIDAlive(pid)
	state := "stopped"
	if alive {
		state = "running"
	}
	return tool.Payload{
		Output: fmt.Sprintf("action server pid %d %s", pid, state),
		Data:   map[string]any{"running": alive, "pid": pid},
	}, nil
}

func serverURL(args map[string]any) (*url.URL, error) {
	raw := strings.TrimRight(tool.StringArg(args, "action_server_url", ""), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, failure.Newf(failure.ValidationFailure, "invalid argument action_server_url %q: want http(s)://host:port", raw)
	}
	return u, nil
}

func (rb *Runbook) stopServer(ctx context.Context, args map[string]any) (tool.Payload, error) {
	base, err := serverURL(args)
	if err != nil {
		return tool.Payload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("api", "shutdown").String(), nil)
	if err != nil {
		return tool.Payload{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := rb.do(req)
	if err != nil {
		return tool.Payload{Output: body}, err
	}
	return tool.Payload{Output: "Successfully shutdown the action server"}, nil
}

func (rb *Runbook) runLogs(ctx context.Context, args map[string]any) (tool.Payload, error) {
	base, err := serverURL(args)
	if err != nil {
		return tool.Payload{}, err
	}
	return rb.fetchRunOutput(ctx, base, tool.StringArg(args, "run_id", ""))
}

func (rb *Runbook) runLogsLatest(ctx context.Context, args map[string]any) (tool.Payload, error) {
	base, err := serverURL(args)
	if err != nil {
		return tool.Payload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("api", "runs").String(), nil)
	if err != nil {
		return tool.Payload{}, err
	}
	body, err := rb.do(req)
	if err != nil {
		return tool.Payload{Output: body}, err
	}
	var runs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &runs); err != nil {
		return tool.Payload{Output: body}, failure.Newf(failure.RemoteServiceFailure, "decode run list: %v", err)
	}
	if len(runs) == 0 {
		return tool.Payload{}, failure.Newf(failure.ProcessFailure, "action server at %s has no runs yet", base)
	}
	return rb.fetchRunOutput(ctx, base, runs[len(runs)-1].ID)
}

func (rb *Runbook) fetchRunOutput(ctx context.Context, base *url.URL, runID string) (tool.Payload, error) {
	if strings.TrimSpace(runID) == "" {
		return tool.Payload{}, failure.Newf(failure.ValidationFailure, "invalid argument: run_id is empty")
	}
	u := base.JoinPath("api", "runs", runID, "artifacts", "text-content")
	u.RawQuery = url.Values{"artifact_names": {outputArtifact}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tool.Payload{}, err
	}
	body, err := rb.do(req)
	if err != nil {
		return tool.Payload{Output: body}, err
	}
	var artifacts map[string]string
	if err := json.Unmarshal([]byte(body), &artifacts); err != nil {
		return tool.Payload{Output: body}, failure.Newf(failure.RemoteServiceFailure, "decode run artifacts: %v", err)
	}
	out, ok := artifacts[outputArtifact]
	if !ok {
		return tool.Payload{}, failure.Newf(failure.ProcessFailure, "run %s has no %s artifact", runID, outputArtifact)
	}
	return tool.Payload{Output: out, Data: map[string]any{"run_id": runID}}, nil
}

// do sends req and returns the body. Transport errors and non-2xx statuses are
// remote service failures.
func (rb *Runbook) do(req *http.Request) (string, error) {
	resp, err := rb.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &failure.Error{
			Category: failure.RemoteServiceFailure,
			Message:  fmt.Sprintf("could not connect to the action server: %v", err),
			Err:      err,
		}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", failure.Wrap(failure.RemoteServiceFailure, err)
	}
	body := string(b)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &failure.Error{
			Category: failure.RemoteServiceFailure,
			Message:  fmt.Sprintf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode),
			Output:   body,
		}
	}
	return body, nil
}

func readFileString(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func containsAnyString(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
