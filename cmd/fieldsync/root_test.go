package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldsync/internal/domain"
	"fieldsync/internal/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.toml")
	content := "[storage]\ndriver = \"sqlite\"\npath = \"" + filepath.ToSlash(dbPath) + "\"\n\n[logging]\nlevel = \"error\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	cfgPath := writeConfig(t, filepath.Join(t.TempDir(), "q.db"))
	out, err := execute(t, "validate", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "config ok: storage=sqlite")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[engine]\nretry_backoff = \"random\"\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	require.Error(t, err)
}

func TestStatsCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "q.db")
	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, st.Save(context.Background(), []domain.QueuedAction{
		{ID: "act_1", Type: domain.ActionAcceptOrder, Status: domain.StatusPending, MaxRetries: 3, CreatedAt: now, UpdatedAt: now},
		{ID: "act_2", Type: domain.ActionSendMessage, Status: domain.StatusConflict, MaxRetries: 3, CreatedAt: now, UpdatedAt: now},
	}))
	require.NoError(t, st.Close())

	cfgPath := writeConfig(t, dbPath)
	out, err := execute(t, "stats", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, domain.Stats{Total: 2, Pending: 1, Conflict: 1}, stats)

	out, err = execute(t, "stats", "--config", cfgPath)
	require.NoError(t, err)
	require.Contains(t, out, "pending:    1")

	_, err = execute(t, "stats", "--config", cfgPath, "--format", "xml")
	require.Error(t, err)
}

func TestStatsCommand_ReadOnly(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.db")
	_, err := execute(t, "stats", "--config", writeConfig(t, missing))
	require.Error(t, err)
	require.NoFileExists(t, missing)

	mem := filepath.Join(t.TempDir(), "mem.toml")
	require.NoError(t, os.WriteFile(mem, []byte("[storage]\ndriver = \"memory\"\n\n[logging]\nlevel = \"error\"\n"), 0o600))
	_, err = execute(t, "stats", "--config", mem)
	require.ErrorContains(t, err, "persistent storage driver")
}
