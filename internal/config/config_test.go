package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseYAMLAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
violation:
  restricted_zone: Walker
  final_delay: 90s
storage:
  driver: memory
`))
	require.NoError(t, err)
	require.Equal(t, ModeTimer, cfg.Violation.Mode)
	require.Equal(t, 90*time.Second, cfg.Violation.FinalDelay)
	require.Equal(t, 60*time.Second, cfg.Violation.WarningDelay, "default warning kept")
	require.Equal(t, 10, cfg.Ingest.MinTagLength)
	require.Equal(t, 3*time.Second, cfg.Storage.OpTimeout)
}

func TestParseShortFinalDelayNeedsExplicitWarning(t *testing.T) {
	_, err := Parse([]byte("violation:\n  final_delay: 30s\n"))
	require.ErrorContains(t, err, "warning_delay")

	cfg, err := Parse([]byte("violation:\n  final_delay: 30s\n  warning_delay: 10s\n"))
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Violation.WarningDelay)
}

func TestParseRejectsWarningAfterFinal(t *testing.T) {
	_, err := Parse([]byte(`{"violation":{"restricted_zone":"Walker","warning_delay":60000000000,"final_delay":30000000000}}`))
	require.Error(t, err)
}

func TestParsePollVariant(t *testing.T) {
	cfg, err := Parse([]byte(`
violation:
  mode: POLL
  warning_delay: 0s
  final_delay: 30s
`))
	require.NoError(t, err)
	require.Equal(t, ModePoll, cfg.Violation.Mode)
	require.Zero(t, cfg.Violation.WarningDelay)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]byte("violation:\n  mode: cron\n"))
	require.Error(t, err)
}

func TestViolationTextDefaultsToZone(t *testing.T) {
	v := DefaultConfig().Violation
	require.Equal(t, "improperly parked in Walker", v.ViolationText())
	v.Description = "  improperly parked  "
	require.Equal(t, "improperly parked", v.ViolationText())
}

func TestManagerUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parkwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	m, err := NewManager(path)
	require.NoError(t, err)
	require.Equal(t, "debug", m.Get().LogLevel)

	next := *m.Get()
	next.Violation.Cooldown = 5 * time.Minute
	require.NoError(t, m.Update(&next))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, reloaded.Violation.Cooldown)
}

func TestStaticManagerUpdateValidates(t *testing.T) {
	m := NewStaticManager(nil)
	bad := *m.Get()
	bad.Violation.FinalDelay = 0
	require.Error(t, m.Update(&bad))
	require.Equal(t, 120*time.Second, m.Get().Violation.FinalDelay)
}
