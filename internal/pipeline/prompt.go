package pipeline

import "context"

// RoutingContext is everything the prompt surface needs to ask "what
// should happen to this file".
type RoutingContext struct {
	File                  ClassifiedFile
	Project               ProjectResolution
	DefaultAction         UserAction
	DefaultPdfCategory    string
	InOfficialDestination bool
}

// ConflictPrompt describes a destination collision awaiting a choice.
type ConflictPrompt struct {
	SourcePath      string
	DestinationPath string
	ProjectID       string
}

// PromptService is the external decision surface (a human UI or an
// automation policy). Failures from any method are treated by the
// orchestrator as "leave the file alone this once"; they never crash a
// stage.
type PromptService interface {
	RequestRoutingDecision(ctx context.Context, rc RoutingContext) (UserDecision, error)
	RequestConflictChoice(ctx context.Context, cp ConflictPrompt) (ConflictChoice, error)
	// RequestInvalidDestinationChoice offers a sanitized fallback path.
	// KeepBothVersioned accepts the suggestion, Cancel aborts.
	RequestInvalidDestinationChoice(ctx context.Context, validationErrors []string, sourcePath, suggestedPath string) (ConflictChoice, error)
}

// AutoPromptService is the headless decision policy: take the
// project's default action, keep both files on collision, and refuse
// invalid destinations.
type AutoPromptService struct{}

func (AutoPromptService) RequestRoutingDecision(_ context.Context, rc RoutingContext) (UserDecision, error) {
	return UserDecision{
		Action:         rc.DefaultAction,
		PdfCategoryKey: rc.DefaultPdfCategory,
	}, nil
}

func (AutoPromptService) RequestConflictChoice(context.Context, ConflictPrompt) (ConflictChoice, error) {
	return ChoiceKeepBothVersion, nil
}

func (AutoPromptService) RequestInvalidDestinationChoice(context.Context, []string, string, string) (ConflictChoice, error) {
	return ChoiceCancel, nil
}
