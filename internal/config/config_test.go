package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBudgetAliases(t *testing.T) {
	cfg := Default()

	assert.InDelta(t, 1.50, cfg.PlanBudget("free"), 1e-9)
	assert.InDelta(t, 1.50, cfg.PlanBudget("starter"), 1e-9)
	assert.InDelta(t, 5.00, cfg.PlanBudget("go"), 1e-9)
	assert.InDelta(t, 12.00, cfg.PlanBudget("pro"), 1e-9)
	assert.InDelta(t, 30.00, cfg.PlanBudget("team"), 1e-9)

	// Unknown plans fall back to the free tier.
	assert.InDelta(t, 1.50, cfg.PlanBudget("enterprise-trial"), 1e-9)
	assert.InDelta(t, 5.00, cfg.PlanBudget("GO"), 1e-9, "plan ids are case-insensitive")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DOCKER_HOSTS", "10.0.0.5:2376,10.0.0.6:2376")
	t.Setenv("CONTAINER_IDLE_TIMEOUT_MS", "600000")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg := Default()
	applyEnv(cfg)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "10.0.0.5:2376,10.0.0.6:2376", cfg.DockerHosts)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "sk-test", cfg.AnthropicAPIKey)
}

func TestLoadConfigFileJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drape.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// local dev overrides
		"port": 3100,
		"containerImage": "drape/workspace:dev" /* pinned */
	}`), 0644))

	cfg := Default()
	require.NoError(t, loadConfigFile(path, cfg))
	assert.Equal(t, 3100, cfg.Port)
	assert.Equal(t, "drape/workspace:dev", cfg.ContainerImage)
}

func TestLoadBudgetsFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pro: 20.0\nFree: 2.5\n"), 0644))

	cfg := Default()
	require.NoError(t, loadBudgetsFile(path, cfg))
	assert.InDelta(t, 20.0, cfg.PlanBudget("pro"), 1e-9)
	assert.InDelta(t, 2.5, cfg.PlanBudget("free"), 1e-9)
}

func TestPreviewURL(t *testing.T) {
	cfg := Default()
	cfg.PublicURL = "https://drape.example.com/"
	assert.Equal(t, "https://drape.example.com/preview/p1/", cfg.PreviewURL("p1"))
}

func TestLayoutPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.ProjectsRoot = "/projects"
	cfg.CacheRoot = "/cache"

	assert.Equal(t, "/data/sessions.json", cfg.RegistryPath())
	assert.Equal(t, "/data/ai-usage.jsonl", cfg.UsagePath())
	assert.Equal(t, "/projects/p1", cfg.ProjectDir("p1"))
	assert.Equal(t, "/cache/next-build/p1", cfg.NextCacheDir("p1"))
	assert.Equal(t, "/cache/node-modules", cfg.InstallArchiveDir())
}
