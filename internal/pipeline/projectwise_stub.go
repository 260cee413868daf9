package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/kappa9999/routeagent/internal/policy"
)

// ProjectWiseStubConnector stands in for a real ProjectWise client. It
// acknowledges every publish with a generated transaction id so the
// rest of the flow (audit metadata, diagnostics) can be exercised
// before the real integration lands.
type ProjectWiseStubConnector struct{}

func (ProjectWiseStubConnector) Name() string { return "projectwise_stub" }

func (ProjectWiseStubConnector) CanHandle(cfg policy.ConnectorSettings) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Provider), "projectwise")
}

func (ProjectWiseStubConnector) Publish(_ context.Context, req PublishRequest) PublishResult {
	return PublishResult{
		Success:               true,
		Status:                PublishStatusPublishedStub,
		ExternalTransactionID: uuid.NewString(),
		Metadata: map[string]string{
			"fileName": req.FileName,
			"category": req.Category,
		},
	}
}
