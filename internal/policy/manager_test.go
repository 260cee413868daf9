package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePolicy = `{
  "schemaVersion": 1,
  "monitoring": {
    "candidateRoots": ["/srv/projects/alpha/working"],
    "managedExtensions": [".pdf", ".dwg"]
  },
  "projects": [
    {
      "id": "alpha",
      "displayName": "Project Alpha",
      "pathMatchers": ["/srv/projects/alpha"],
      "officialDestinations": {
        "cadPublish": "/srv/projects/alpha/published/cad",
        "plotSets": "/srv/projects/alpha/published/plots",
        "pdfCategories": {
          "progress_print": "/srv/projects/alpha/published/progress"
        }
      },
      "defaults": {
        "pdfAction": "move",
        "cadAction": "publish_copy",
        "defaultPdfCategory": "progress_print",
        "officialDestinationMode": "monitor_no_prompt"
      },
      "connector": { "enabled": false, "provider": "none" }
    }
  ]
}`

func writePolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "firm_policy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestManagerLoadValidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, samplePolicy)
	mgr, err := NewManager(ManagerOptions{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap := mgr.Load()
	if snap.SafeMode {
		t.Fatalf("unexpected safe mode: %s", snap.SafeModeReason)
	}
	if len(snap.Policy.Projects) != 1 || snap.Policy.Projects[0].ID != "alpha" {
		t.Fatalf("unexpected projects: %+v", snap.Policy.Projects)
	}
	if got := mgr.Accessor().Current(); got != snap {
		t.Fatal("accessor should hold the loaded snapshot")
	}
}

func TestManagerSchemaRejection(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, `{"schemaVersion": 1, "projects": [{"id": ""}]}`)
	mgr, err := NewManager(ManagerOptions{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap := mgr.Load()
	if !snap.SafeMode {
		t.Fatal("invalid policy must enter safe mode")
	}
}

func TestManagerIntegrityMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, samplePolicy)
	if err := os.WriteFile(path+".sha256", []byte("deadbeef"), 0o644); err != nil {
		t.Fatalf("write signature: %v", err)
	}
	mgr, err := NewManager(ManagerOptions{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	snap := mgr.Load()
	if !snap.SafeMode {
		t.Fatal("signature mismatch must enter safe mode")
	}
}

func TestManagerIntegrityMatch(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, samplePolicy)
	sum := sha256.Sum256([]byte(samplePolicy))
	if err := os.WriteFile(path+".sha256", []byte(hex.EncodeToString(sum[:])+"  firm_policy.json\n"), 0o644); err != nil {
		t.Fatalf("write signature: %v", err)
	}
	mgr, err := NewManager(ManagerOptions{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if snap := mgr.Load(); snap.SafeMode {
		t.Fatalf("matching signature rejected: %s", snap.SafeModeReason)
	}
}

func TestManagerMissingPolicySafeMode(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(ManagerOptions{PolicyPath: filepath.Join(dir, "absent.json")})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if snap := mgr.Load(); !snap.SafeMode {
		t.Fatal("missing policy must enter safe mode")
	}
}

func TestSavePreferencesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writePolicyFile(t, dir, samplePolicy)
	mgr, err := NewManager(ManagerOptions{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.Load()
	until := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	prefs := &UserPreferences{
		IgnoredFolders: []string{"/srv/projects/alpha/scratch"},
		Snoozes:        []SnoozeEntry{{Path: "/srv/projects/alpha/working/a.pdf", UntilUTC: until}},
	}
	if err := mgr.SavePreferences(prefs); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	cur := mgr.Accessor().Current()
	if len(cur.Preferences.IgnoredFolders) != 1 {
		t.Fatal("snapshot should carry the new preferences")
	}
	reloaded := mgr.Load()
	if _, ok := reloaded.Preferences.SnoozedUntil("/srv/projects/alpha/working/a.pdf", time.Now().UTC()); !ok {
		t.Fatal("snooze should survive a reload from disk")
	}
}

func TestDefaultActionFor(t *testing.T) {
	cases := []struct {
		defaults ProjectDefaults
		category string
		want     string
	}{
		{ProjectDefaults{PdfAction: "move"}, "pdf", ActionMove},
		{ProjectDefaults{PdfAction: "copy"}, "pdf", ActionCopy},
		{ProjectDefaults{CadAction: "publishcopy"}, "cad", ActionPublishCopy},
		{ProjectDefaults{CadAction: "publish_copy"}, "cad", ActionPublishCopy},
		{ProjectDefaults{PdfAction: "leave"}, "pdf", ActionLeave},
		{ProjectDefaults{}, "cad", ActionPublishCopy},
		{ProjectDefaults{}, "pdf", ActionMove},
		{ProjectDefaults{PdfAction: "bogus"}, "plotset", ActionMove},
	}
	for _, tc := range cases {
		if got := tc.defaults.DefaultActionFor(tc.category); got != tc.want {
			t.Fatalf("DefaultActionFor(%q) with %+v = %q, want %q", tc.category, tc.defaults, got, tc.want)
		}
	}
}

func TestPausedHonorsUntil(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	prefs := &UserPreferences{MonitoringPaused: true, PausedUntilUTC: &past}
	if prefs.Paused(now) {
		t.Fatal("expired pause should not be active")
	}
	prefs.PausedUntilUTC = &future
	if !prefs.Paused(now) {
		t.Fatal("pause with future expiry should be active")
	}
	prefs.PausedUntilUTC = nil
	if !prefs.Paused(now) {
		t.Fatal("open-ended pause should be active")
	}
}
