package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucid-vigil/shellguard/pkg/blacklist"
	"github.com/lucid-vigil/shellguard/pkg/capture"
	"github.com/lucid-vigil/shellguard/pkg/classifier"
	"github.com/lucid-vigil/shellguard/pkg/config"
	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/lucid-vigil/shellguard/pkg/events"
	"github.com/lucid-vigil/shellguard/pkg/monitor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "log_level: warn\n" +
		"blacklist_file: " + filepath.Join(dir, "blacklist.json") + "\n" +
		"model_dir: " + filepath.Join(dir, "models") + "\n" +
		"audit_log_file: " + filepath.Join(dir, "audit.log") + "\n"
	path := filepath.Join(dir, "shellguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func execute(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	return got, nil
}

func TestTestCommandPrintsScore(t *testing.T) {
	cfg := writeConfig(t)
	got, err := execute(t, "--config", cfg, "--test", "ls -la", "--user", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got["username"])
	assert.Equal(t, "test", got["session_id"])
	assert.Equal(t, "rule_based", got["model"])
	assert.Equal(t, "none", got["tier"])
	assert.Equal(t, false, got["blacklisted"])
}

func TestTestCommandRequiresUser(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "--test", "ls")
	assert.Error(t, err)
}

func TestBlacklistRoundTrip(t *testing.T) {
	cfg := writeConfig(t)

	got, err := execute(t, "--config", cfg, "--blacklist", "mallory", "--reason", "shared credentials")
	require.NoError(t, err)
	assert.Equal(t, true, got["added"])

	got, err = execute(t, "--config", cfg, "--status", "mallory")
	require.NoError(t, err)
	assert.Equal(t, true, got["blacklisted"])
	assert.Equal(t, "shared credentials", got["reason"])

	got, err = execute(t, "--config", cfg, "--unblacklist", "mallory")
	require.NoError(t, err)
	assert.Equal(t, true, got["removed"])

	got, err = execute(t, "--config", cfg, "--stats")
	require.NoError(t, err)
	assert.Equal(t, float64(0), got["blacklisted_users"])
}

func TestInvalidCaptureMode(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "--stats", "--capture", "ebpf")
	assert.Error(t, err)
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--stats")
	assert.Error(t, err)
}

// deadCapture starts and then immediately loses its event stream.
type deadCapture struct{}

func (deadCapture) Start(context.Context, capture.Mode) (<-chan events.CommandEvent, error) {
	ch := make(chan events.CommandEvent)
	close(ch)
	return ch, nil
}

func (deadCapture) Stop() {}

func (deadCapture) ActiveMode() capture.Mode { return capture.ModeLogTail }

func TestMonitoringFailsWhenCaptureIsLost(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.BlacklistFile = filepath.Join(dir, "blacklist.json")
	cfg.ModelDir = filepath.Join(dir, "models")

	bl, _, err := blacklist.Open(cfg.BlacklistFile, zerolog.Nop())
	require.NoError(t, err)
	mon := monitor.New(cfg, monitor.Deps{
		Capture:    deadCapture{},
		Blacklist:  bl,
		Classifier: classifier.NewDispatcher(cfg, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	})

	err = monitorUntilSignal(context.Background(), cfg, &engine{monitor: mon})
	require.Error(t, err)
	assert.True(t, monerrors.Is(err, monerrors.ErrCapabilityUnavailable))
}
