package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/policy"
)

// Connector publish statuses surfaced in audit metadata.
const (
	PublishStatusCompleted     = "completed"
	PublishStatusFailed        = "failed"
	PublishStatusTimeout       = "timeout"
	PublishStatusStartFailed   = "start_failed"
	PublishStatusConfigError   = "config_error"
	PublishStatusSkipped       = "skipped"
	PublishStatusNoConnector   = "no_matching_connector"
	PublishStatusPublishedStub = "published_stub"
)

// PublishRequest carries a completed transfer to an external system.
type PublishRequest struct {
	ProjectID       string
	SourcePath      string
	DestinationPath string
	FileName        string
	Action          string
	Category        string
	Settings        map[string]string
}

// PublishResult is a connector's normalized outcome.
type PublishResult struct {
	Success               bool
	Status                string
	ExternalTransactionID string
	Err                   string
	Metadata              map[string]string
}

// Connector is one external publishing backend. The host dispatches to
// the first connector whose CanHandle accepts the project's settings.
type Connector interface {
	Name() string
	CanHandle(cfg policy.ConnectorSettings) bool
	Publish(ctx context.Context, req PublishRequest) PublishResult
}

// ConnectorHost invokes at most one matching connector per transfer
// and flattens the result for audit. Connector failures never undo or
// block the already-completed transfer.
type ConnectorHost struct {
	connectors []Connector
	log        *zap.Logger
}

func NewConnectorHost(log *zap.Logger, connectors ...Connector) *ConnectorHost {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectorHost{connectors: connectors, log: log.Named("connector")}
}

// Publish runs the dispatch and returns flat string metadata for the
// audit trail.
func (h *ConnectorHost) Publish(ctx context.Context, proj policy.ProjectPolicy, req PublishRequest) map[string]string {
	cfg := proj.Connector
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if !cfg.Enabled || provider == "" || provider == "none" {
		return map[string]string{"status": PublishStatusSkipped}
	}
	req.Settings = cfg.Settings
	for _, conn := range h.connectors {
		if !conn.CanHandle(cfg) {
			continue
		}
		result := h.invoke(ctx, conn, req)
		return flattenPublishResult(conn.Name(), result)
	}
	return map[string]string{
		"status":   PublishStatusNoConnector,
		"provider": provider,
	}
}

// invoke shields the host from a misbehaving connector.
func (h *ConnectorHost) invoke(ctx context.Context, conn Connector, req PublishRequest) (result PublishResult) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("connector panicked",
				zap.String("connector", conn.Name()),
				zap.Any("panic", r))
			result = PublishResult{
				Status: PublishStatusFailed,
				Err:    fmt.Sprintf("connector panic: %v", r),
			}
		}
	}()
	return conn.Publish(ctx, req)
}

func flattenPublishResult(name string, result PublishResult) map[string]string {
	out := map[string]string{
		"connector": name,
		"status":    result.Status,
		"success":   fmt.Sprintf("%t", result.Success),
	}
	if result.ExternalTransactionID != "" {
		out["externalTransactionId"] = result.ExternalTransactionID
	}
	if result.Err != "" {
		out["error"] = result.Err
	}
	for key, value := range result.Metadata {
		if _, taken := out[key]; !taken {
			out[key] = value
		}
	}
	return out
}
