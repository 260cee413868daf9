package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/policy"
)

const (
	commandDefaultTimeout = 60 * time.Second
	commandMinTimeout     = 1 * time.Second
	commandMaxTimeout     = 600 * time.Second
	captureLimit          = 4000
)

// CommandProcessConnector publishes by launching an external command.
// Settings:
//
//	command          executable to run (required)
//	argsTemplate     argument string with {projectId} {sourcePath}
//	                 {destinationPath} {fileName} {action} {category}
//	timeoutSeconds   wait bound, default 60, clamped to 1..600
//	parseStdoutJson  "true" to merge a flat JSON object from stdout
//
// The same fields are mirrored into the child's environment as
// ROUTEAGENT_* variables. On timeout the whole process group is
// killed.
type CommandProcessConnector struct {
	log *zap.Logger
}

func NewCommandProcessConnector(log *zap.Logger) *CommandProcessConnector {
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandProcessConnector{log: log.Named("command_connector")}
}

func (c *CommandProcessConnector) Name() string { return "command_process" }

func (c *CommandProcessConnector) CanHandle(cfg policy.ConnectorSettings) bool {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	return provider == "command_process" || provider == "command"
}

func (c *CommandProcessConnector) Publish(ctx context.Context, req PublishRequest) PublishResult {
	command := strings.TrimSpace(req.Settings["command"])
	if command == "" {
		return PublishResult{
			Status: PublishStatusConfigError,
			Err:    "connector setting \"command\" is required",
		}
	}
	args := splitCommandArgs(expandTemplate(req.Settings["argsTemplate"], req))
	timeout := commandTimeout(req.Settings["timeoutSeconds"])

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(),
		"ROUTEAGENT_PROJECT_ID="+req.ProjectID,
		"ROUTEAGENT_SOURCE_PATH="+req.SourcePath,
		"ROUTEAGENT_DESTINATION_PATH="+req.DestinationPath,
		"ROUTEAGENT_FILE_CATEGORY="+req.Category,
		"ROUTEAGENT_ACTION="+req.Action,
		"ROUTEAGENT_FILE_NAME="+req.FileName,
	)
	// Own process group so a timeout kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return PublishResult{
			Status: PublishStatusStartFailed,
			Err:    err.Error(),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killProcessGroup(cmd)
		<-done
	case <-ctx.Done():
		timedOut = true
		killProcessGroup(cmd)
		<-done
	}

	meta := map[string]string{
		"stdout": truncateCapture(stdout.String()),
		"stderr": truncateCapture(stderr.String()),
	}
	if timedOut {
		meta["timeoutSeconds"] = strconv.Itoa(int(timeout / time.Second))
		return PublishResult{
			Status:   PublishStatusTimeout,
			Err:      fmt.Sprintf("command did not finish within %s", timeout),
			Metadata: meta,
		}
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			meta["exitCode"] = strconv.Itoa(exitErr.ExitCode())
		}
		return PublishResult{
			Status:   PublishStatusFailed,
			Err:      waitErr.Error(),
			Metadata: meta,
		}
	}

	result := PublishResult{
		Success:  true,
		Status:   PublishStatusCompleted,
		Metadata: meta,
	}
	if strings.EqualFold(strings.TrimSpace(req.Settings["parseStdoutJson"]), "true") {
		mergeStdoutJSON(&result, stdout.Bytes())
	}
	return result
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func commandTimeout(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return commandDefaultTimeout
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return commandDefaultTimeout
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout < commandMinTimeout {
		return commandMinTimeout
	}
	if timeout > commandMaxTimeout {
		return commandMaxTimeout
	}
	return timeout
}

func expandTemplate(template string, req PublishRequest) string {
	replacer := strings.NewReplacer(
		"{projectId}", req.ProjectID,
		"{sourcePath}", req.SourcePath,
		"{destinationPath}", req.DestinationPath,
		"{fileName}", req.FileName,
		"{action}", req.Action,
		"{category}", req.Category,
	)
	return replacer.Replace(template)
}

// splitCommandArgs splits on whitespace while honoring single and
// double quotes, so templated paths with spaces survive.
func splitCommandArgs(s string) []string {
	var args []string
	var current strings.Builder
	var quote rune
	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return args
}

func truncateCapture(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= captureLimit {
		return s
	}
	return s[:captureLimit] + "...(truncated)"
}

// mergeStdoutJSON folds a flat JSON object printed by the command into
// the result metadata. A transactionId key becomes the external
// transaction id.
func mergeStdoutJSON(result *PublishResult, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		result.Metadata["stdoutJsonError"] = err.Error()
		return
	}
	for key, value := range parsed {
		text := fmt.Sprintf("%v", value)
		if strings.EqualFold(key, "externalTransactionId") || strings.EqualFold(key, "transactionId") {
			result.ExternalTransactionID = text
			continue
		}
		if _, taken := result.Metadata[key]; !taken {
			result.Metadata[key] = text
		}
	}
}
