package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

var (
	ErrPolicyNotFound = errors.New("policy file not found")
	ErrPolicyInvalid  = errors.New("policy document invalid")
)

// ManagerOptions configure a policy Manager.
type ManagerOptions struct {
	// PolicyPath is the firm policy JSON document.
	PolicyPath string
	// PreferencesPath holds the per-seat preferences overlay. Defaults
	// to user_preferences.json next to the policy.
	PreferencesPath string
	// SignaturePath is the sha256 sidecar. Defaults to PolicyPath +
	// ".sha256". A missing sidecar is tolerated; a mismatching one is
	// an integrity failure.
	SignaturePath string
	Logger        *zap.Logger
}

// Manager loads, validates, and hot-reloads the firm policy, exposing
// the result as immutable snapshots through an Accessor.
type Manager struct {
	opts     ManagerOptions
	schema   *jsonschema.Schema
	accessor *Accessor
	log      *zap.Logger
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(opts.PolicyPath) == "" {
		return nil, fmt.Errorf("%w: policy path required", ErrPolicyInvalid)
	}
	if opts.PreferencesPath == "" {
		opts.PreferencesPath = filepath.Join(filepath.Dir(opts.PolicyPath), "user_preferences.json")
	}
	if opts.SignaturePath == "" {
		opts.SignaturePath = opts.PolicyPath + ".sha256"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	schema, err := compilePolicySchema()
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:     opts,
		schema:   schema,
		accessor: NewAccessor(nil),
		log:      opts.Logger.Named("policy"),
	}, nil
}

func compilePolicySchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(firmPolicySchema))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("firm-policy.schema.json", doc); err != nil {
		return nil, fmt.Errorf("register embedded schema: %w", err)
	}
	schema, err := compiler.Compile("firm-policy.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	return schema, nil
}

// Accessor returns the snapshot handle shared with the pipeline.
func (m *Manager) Accessor() *Accessor { return m.accessor }

// Load reads, verifies, and installs a fresh snapshot. Integrity and
// validation failures install a safe-mode snapshot instead of failing:
// the agent must stay up for diagnostics even with a bad policy.
func (m *Manager) Load() *Snapshot {
	now := time.Now().UTC()
	snap := m.build(now)
	m.accessor.Replace(snap)
	if snap.SafeMode {
		m.log.Warn("policy load entered safe mode", zap.String("reason", snap.SafeModeReason))
	} else {
		m.log.Info("policy loaded",
			zap.String("path", m.opts.PolicyPath),
			zap.Int("projects", len(snap.Policy.Projects)))
	}
	return snap
}

func (m *Manager) build(now time.Time) *Snapshot {
	raw, err := os.ReadFile(m.opts.PolicyPath)
	if err != nil {
		return SafeModeSnapshot(fmt.Sprintf("read policy: %v", err), now)
	}
	if reason := m.verifyIntegrity(raw); reason != "" {
		return SafeModeSnapshot(reason, now)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return SafeModeSnapshot(fmt.Sprintf("parse policy: %v", err), now)
	}
	if err := m.schema.Validate(inst); err != nil {
		return SafeModeSnapshot(fmt.Sprintf("schema validation: %v", err), now)
	}
	var pol FirmPolicy
	if err := json.Unmarshal(raw, &pol); err != nil {
		return SafeModeSnapshot(fmt.Sprintf("decode policy: %v", err), now)
	}
	prefs := m.loadPreferences()
	return &Snapshot{Policy: &pol, Preferences: prefs, LoadedAt: now}
}

// verifyIntegrity checks the sha256 sidecar. An absent sidecar is
// accepted; a present but wrong one is not.
func (m *Manager) verifyIntegrity(raw []byte) string {
	sig, err := os.ReadFile(m.opts.SignaturePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		return fmt.Sprintf("read policy signature: %v", err)
	}
	want := strings.ToLower(strings.TrimSpace(string(sig)))
	if i := strings.IndexAny(want, " \t"); i > 0 {
		want = want[:i]
	}
	sum := sha256.Sum256(raw)
	got := hex.EncodeToString(sum[:])
	if want != got {
		return "policy integrity check failed: signature mismatch"
	}
	return ""
}

func (m *Manager) loadPreferences() *UserPreferences {
	raw, err := os.ReadFile(m.opts.PreferencesPath)
	if err != nil {
		return &UserPreferences{}
	}
	var prefs UserPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		m.log.Warn("preferences file unreadable, ignoring", zap.Error(err))
		return &UserPreferences{}
	}
	return &prefs
}

// SavePreferences persists prefs atomically and refreshes the current
// snapshot so readers observe the change without a full policy reload.
func (m *Manager) SavePreferences(prefs *UserPreferences) error {
	if prefs == nil {
		prefs = &UserPreferences{}
	}
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.opts.PreferencesPath, data); err != nil {
		return err
	}
	cur := m.accessor.Current()
	m.accessor.Replace(&Snapshot{
		Policy:         cur.Policy,
		Preferences:    prefs,
		SafeMode:       cur.SafeMode,
		SafeModeReason: cur.SafeModeReason,
		LoadedAt:       time.Now().UTC(),
	})
	return nil
}

// Watch reloads the snapshot whenever the policy, signature, or
// preferences file changes on disk. It returns a stop function.
// onReload, if non-nil, runs after each successful swap.
func (m *Manager) Watch(onReload func(*Snapshot)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(m.opts.PolicyPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	watched := map[string]struct{}{
		filepath.Clean(m.opts.PolicyPath):      {},
		filepath.Clean(m.opts.SignaturePath):   {},
		filepath.Clean(m.opts.PreferencesPath): {},
	}
	done := make(chan struct{})
	go func() {
		var pending *time.Timer
		defer func() {
			if pending != nil {
				pending.Stop()
			}
		}()
		reload := func() {
			snap := m.Load()
			if onReload != nil {
				onReload(snap)
			}
		}
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, tracked := watched[filepath.Clean(ev.Name)]; !tracked {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Editors write in bursts; coalesce before reloading.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()
	stop := func() {
		close(done)
		watcher.Close()
	}
	return stop, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
