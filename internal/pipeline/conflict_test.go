package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedPrompts returns canned answers and records what it was asked.
type scriptedPrompts struct {
	conflictChoice ConflictChoice
	conflictErr    error
	invalidChoice  ConflictChoice
	invalidErr     error

	conflictCalls []ConflictPrompt
	invalidErrs   []string
	suggested     string
}

func (s *scriptedPrompts) RequestRoutingDecision(context.Context, RoutingContext) (UserDecision, error) {
	return UserDecision{}, errors.New("not used")
}

func (s *scriptedPrompts) RequestConflictChoice(_ context.Context, prompt ConflictPrompt) (ConflictChoice, error) {
	s.conflictCalls = append(s.conflictCalls, prompt)
	return s.conflictChoice, s.conflictErr
}

func (s *scriptedPrompts) RequestInvalidDestinationChoice(_ context.Context, errs []string, _ string, suggested string) (ConflictChoice, error) {
	s.invalidErrs = errs
	s.suggested = suggested
	return s.invalidChoice, s.invalidErr
}

func newTestResolver(prompts PromptService, existing map[string]bool) *ConflictResolver {
	return NewConflictResolver(ConflictResolverOptions{
		Prompts: prompts,
		FileExists: func(p string) bool {
			return existing[p]
		},
		Now:         func() time.Time { return time.Date(2026, 3, 1, 14, 30, 45, 0, time.UTC) },
		UserName:    "jdoe",
		MachineName: "WS01",
	})
}

func TestResolveNoConflict(t *testing.T) {
	prompts := &scriptedPrompts{}
	r := newTestResolver(prompts, nil)
	plan := r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	if plan.Choice != ChoiceNone || plan.HasConflict {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.FinalDestinationPath != "/srv/pub/site.dwg" {
		t.Fatalf("destination = %q", plan.FinalDestinationPath)
	}
	if len(prompts.conflictCalls) != 0 {
		t.Fatal("no prompt expected when the destination is free")
	}
}

func TestResolveKeepBothVersioned(t *testing.T) {
	prompts := &scriptedPrompts{conflictChoice: ChoiceKeepBothVersion}
	existing := map[string]bool{"/srv/pub/site.dwg": true}
	r := newTestResolver(prompts, existing)

	plan := r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	if plan.Choice != ChoiceKeepBothVersion || !plan.HasConflict {
		t.Fatalf("plan = %+v", plan)
	}
	want := "/srv/pub/site_20260301_143045_jdoe_WS01.dwg"
	if plan.FinalDestinationPath != want {
		t.Fatalf("versioned path = %q, want %q", plan.FinalDestinationPath, want)
	}
	if plan.FinalDestinationPath == "/srv/pub/site.dwg" {
		t.Fatal("versioned path must differ from the original")
	}
	if plan.ExistingPath != "/srv/pub/site.dwg" {
		t.Fatalf("existing = %q", plan.ExistingPath)
	}
}

func TestResolveKeepBothUniquenessLoop(t *testing.T) {
	prompts := &scriptedPrompts{conflictChoice: ChoiceKeepBothVersion}
	existing := map[string]bool{
		"/srv/pub/site.dwg": true,
		"/srv/pub/site_20260301_143045_jdoe_WS01.dwg":   true,
		"/srv/pub/site_20260301_143045_jdoe_WS01_2.dwg": true,
	}
	r := newTestResolver(prompts, existing)
	plan := r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	want := "/srv/pub/site_20260301_143045_jdoe_WS01_3.dwg"
	if plan.FinalDestinationPath != want {
		t.Fatalf("versioned path = %q, want %q", plan.FinalDestinationPath, want)
	}
}

func TestResolveOverwrite(t *testing.T) {
	prompts := &scriptedPrompts{conflictChoice: ChoiceOverwrite}
	r := newTestResolver(prompts, map[string]bool{"/srv/pub/site.dwg": true})
	plan := r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	if plan.Choice != ChoiceOverwrite || plan.FinalDestinationPath != "/srv/pub/site.dwg" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestResolveCancelAndPromptFailure(t *testing.T) {
	prompts := &scriptedPrompts{conflictChoice: ChoiceCancel}
	r := newTestResolver(prompts, map[string]bool{"/srv/pub/site.dwg": true})
	plan := r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	if plan.Choice != ChoiceCancel || plan.FinalDestinationPath != "" {
		t.Fatalf("plan = %+v", plan)
	}

	prompts = &scriptedPrompts{conflictErr: errors.New("prompt channel down")}
	r = newTestResolver(prompts, map[string]bool{"/srv/pub/site.dwg": true})
	plan = r.Resolve(context.Background(), "/srv/a/site.dwg", "/srv/pub/site.dwg", "alpha")
	if plan.Choice != ChoiceCancel {
		t.Fatal("prompt failure must cancel the transfer")
	}
}

func TestResolveValidationCodes(t *testing.T) {
	cases := []struct {
		dest string
		code string
	}{
		{"/srv/pub/bad<name>.dwg", "invalid_chars"},
		{"/srv/pub/" + strings.Repeat("x", maxDestinationPathLength) + ".dwg", "path_too_long"},
		{"/srv/pub/../escape.dwg", "path_traversal"},
	}
	for _, tc := range cases {
		prompts := &scriptedPrompts{invalidChoice: ChoiceCancel}
		r := newTestResolver(prompts, nil)
		plan := r.Resolve(context.Background(), "/srv/a/x.dwg", tc.dest, "alpha")
		if plan.Choice != ChoiceCancel {
			t.Fatalf("%s: invalid destination must cancel by default", tc.code)
		}
		found := false
		for _, code := range plan.ValidationErrors {
			if code == tc.code {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: codes = %v", tc.code, plan.ValidationErrors)
		}
	}
}

func TestResolveAcceptsSanitizedDestination(t *testing.T) {
	prompts := &scriptedPrompts{invalidChoice: ChoiceKeepBothVersion}
	r := newTestResolver(prompts, nil)
	plan := r.Resolve(context.Background(), "/srv/a/x.dwg", "/srv/pub/bad<name>.dwg", "alpha")
	if plan.Choice != ChoiceNone {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.FinalDestinationPath != "/srv/pub/bad_name_.dwg" {
		t.Fatalf("sanitized = %q", plan.FinalDestinationPath)
	}
	if prompts.suggested != "/srv/pub/bad_name_.dwg" {
		t.Fatalf("suggested = %q", prompts.suggested)
	}
}
