package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xaenox/tg-digest/internal/fsx"
	"github.com/xaenox/tg-digest/internal/models"
)

const heartbeatFile = "heartbeat"

// State persists small liveness and throttle markers between cycles as plain
// files under one directory, so a restarted process picks up where the last
// one stopped.
type State struct {
	dir string
}

func NewState(dir string) *State {
	return &State{dir: dir}
}

// Heartbeat records liveness: the current time, rewritten on every cycle.
// External monitoring alerts on a stale file.
func (s *State) Heartbeat(now time.Time) error {
	path := filepath.Join(s.dir, heartbeatFile)
	if err := fsx.WriteFileAtomic(path, []byte(now.UTC().Format(time.RFC3339)+"\n")); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// LastDay reads the day stamp stored under name, or "" when absent.
func (s *State) LastDay(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// MarkDay stores day under name.
func (s *State) MarkDay(name, day string) error {
	if err := fsx.WriteFileAtomic(filepath.Join(s.dir, name), []byte(day+"\n")); err != nil {
		return fmt.Errorf("failed to write day stamp %s: %w", name, err)
	}
	return nil
}

func dailyStampName(key models.SourceKey) string {
	return fmt.Sprintf("daily_%d_%s_%d", key.TenantID, key.Kind, key.SourceID)
}

func consolidatedStampName(key models.SourceKey) string {
	return fmt.Sprintf("consolidated_%d_%s_%d", key.TenantID, key.Kind, key.SourceID)
}
