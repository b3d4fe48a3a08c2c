package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/editlearn/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no hot-reloadable changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-only changes, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_LearningChanges(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Learning.MinApplyConfidence = 0.85
	new.Learning.PruneOlderThanDays = 14

	d := config.Diff(old, new)
	if !d.MinApplyConfidenceChanged || d.NewMinApplyConfidence != 0.85 {
		t.Errorf("min confidence diff = %v/%v", d.MinApplyConfidenceChanged, d.NewMinApplyConfidence)
	}
	if !d.PrunePolicyChanged {
		t.Fatal("expected PrunePolicyChanged=true")
	}
	if d.NewPruneAge != 14*24*time.Hour || d.NewPruneMinConfidence != config.DefaultPruneMinConfidence {
		t.Errorf("prune policy = %v/%v", d.NewPruneAge, d.NewPruneMinConfidence)
	}
	if d.LogLevelChanged {
		t.Error("log level reported as changed")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9000"
	new.Store = config.StoreConfig{Backend: config.BackendBadger, Path: "/tmp/p"}
	new.Observer.ClipboardCommand = []string{"pbpaste"}
	new.Telemetry.Metrics = true

	d := config.Diff(old, new)
	if d.Changed() {
		t.Error("restart-only fields reported as hot-reloadable")
	}
	for _, field := range []string{"server.listen_addr", "store", "observer", "telemetry"} {
		if !slices.Contains(d.RestartRequired, field) {
			t.Errorf("RestartRequired %v is missing %q", d.RestartRequired, field)
		}
	}
}
