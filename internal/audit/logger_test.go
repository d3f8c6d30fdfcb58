package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToConfiguredPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		AuditLogPath: filepath.Join(dir, "audit.log"),
		AppLogPath:   filepath.Join(dir, "app.log"),
		MaxSize:      1,
		MaxBackups:   1,
		MaxAge:       1,
		LogLevel:     "info",
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	require.NoError(t, logger.LogInvestigationStarted(ctx, "inv-1"))
	require.NoError(t, logger.LogInvestigationCompleted(ctx, "inv-1", time.Millisecond))
	require.NoError(t, logger.LogPhaseTransition(ctx, "inv-1", "triage", "hypothesize"))
	require.NoError(t, logger.Sync())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "not-a-level"
	_, err := NewLogger(cfg)
	require.Error(t, err)
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	ctx := context.Background()
	require.NoError(t, logger.LogInvestigationStarted(ctx, "inv-1"))
	require.NoError(t, logger.LogMutationBlocked(ctx, "inv-1", "delete", "budget"))
	require.NoError(t, logger.LogPhaseTransition(ctx, "inv-1", "triage", "hypothesize"))
	require.NoError(t, logger.Close())
}
