// Package config loads process configuration for the Drape backend.
//
// Sources, in priority order (later wins):
//  1. built-in defaults
//  2. drape.jsonc in the data directory (comments allowed)
//  3. a .env file in the working directory
//  4. process environment variables
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/drape-ai/drape/internal/logging"
)

// Config holds the full backend configuration.
type Config struct {
	// HTTP surface.
	Port      int    `json:"port"`
	PublicURL string `json:"publicUrl"`

	// Container runtime.
	DockerHosts      string `json:"dockerHosts"` // "local" or "host:port,host:port"
	DockerTLSRoot    string `json:"dockerTlsRoot"`
	ContainerImage   string `json:"containerImage"`
	ContainerNetwork string `json:"containerNetwork"`
	ContainerMemory  int64  `json:"containerMemory"` // bytes
	ContainerCPUs    int64  `json:"containerCpus"`   // CPU quota in 1e-9 units
	AgentPort        int    `json:"agentPort"`

	// Filesystem layout on the host.
	DataDir       string `json:"dataDir"`
	ProjectsRoot  string `json:"projectsRoot"`
	CacheRoot     string `json:"cacheRoot"`
	PublishedRoot string `json:"publishedRoot"`
	PnpmStorePath string `json:"pnpmStorePath"`

	// Lifecycle.
	IdleTimeout time.Duration `json:"-"`

	// Model providers.
	AnthropicAPIKey string `json:"-"`
	GoogleAPIKey    string `json:"-"`
	OpenAIAPIKey    string `json:"-"`

	// Per-plan monthly budgets in EUR, keyed by plan id.
	PlanBudgets map[string]float64 `json:"planBudgets,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:             8080,
		PublicURL:        "http://localhost:8080",
		DockerHosts:      "local",
		ContainerImage:   "drape/workspace:latest",
		ContainerNetwork: "drape-workspaces",
		ContainerMemory:  2 << 30,
		ContainerCPUs:    2_000_000_000,
		AgentPort:        4000,
		DataDir:          "/var/lib/drape",
		ProjectsRoot:     "/var/lib/drape/projects",
		CacheRoot:        "/var/lib/drape/cache",
		PublishedRoot:    "/var/lib/drape/published",
		PnpmStorePath:    "/var/lib/drape/pnpm-store",
		IdleTimeout:      20 * time.Minute,
		PlanBudgets:      DefaultPlanBudgets(),
	}
}

// DefaultPlanBudgets returns the monthly EUR ceilings per plan.
// "free" and "starter" are aliases for the same tier.
func DefaultPlanBudgets() map[string]float64 {
	return map[string]float64{
		"free":    1.50,
		"starter": 1.50,
		"go":      5.00,
		"pro":     12.00,
		"team":    30.00,
	}
}

// Load builds the configuration from all sources.
func Load() (*Config, error) {
	cfg := Default()

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	if path := os.Getenv("DRAPE_CONFIG"); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			logging.Warn().Str("path", path).Err(err).Msg("config file not loaded")
		}
	} else {
		loadConfigFile(filepath.Join(cfg.DataDir, "drape.jsonc"), cfg)
	}

	applyEnv(cfg)

	if path := os.Getenv("DRAPE_BUDGETS_FILE"); path != "" {
		if err := loadBudgetsFile(path, cfg); err != nil {
			logging.Warn().Str("path", path).Err(err).Msg("budgets file not loaded")
		}
	}

	return cfg, nil
}

// loadConfigFile merges a JSONC config file into cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonc.ToJSON(data), cfg)
}

// loadBudgetsFile overrides the plan budget table from a YAML file of
// plan id → monthly EUR ceiling.
func loadBudgetsFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	budgets := make(map[string]float64)
	if err := yaml.Unmarshal(data, &budgets); err != nil {
		return err
	}
	for plan, eur := range budgets {
		cfg.PlanBudgets[strings.ToLower(plan)] = eur
	}
	return nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	setInt("PORT", &cfg.Port)
	setString("PUBLIC_URL", &cfg.PublicURL)

	setString("DOCKER_HOSTS", &cfg.DockerHosts)
	setString("DOCKER_TLS_ROOT", &cfg.DockerTLSRoot)
	setString("CONTAINER_IMAGE", &cfg.ContainerImage)
	setString("CONTAINER_NETWORK", &cfg.ContainerNetwork)
	setInt64("CONTAINER_MEMORY_BYTES", &cfg.ContainerMemory)
	setInt64("CONTAINER_CPU_QUOTA", &cfg.ContainerCPUs)
	setInt("AGENT_PORT", &cfg.AgentPort)

	setString("DATA_DIR", &cfg.DataDir)
	setString("PROJECTS_ROOT", &cfg.ProjectsRoot)
	setString("CACHE_ROOT", &cfg.CacheRoot)
	setString("PUBLISHED_ROOT", &cfg.PublishedRoot)
	setString("PNPM_STORE_PATH", &cfg.PnpmStorePath)

	if v := os.Getenv("CONTAINER_IDLE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	setString("ANTHROPIC_API_KEY", &cfg.AnthropicAPIKey)
	setString("GOOGLE_API_KEY", &cfg.GoogleAPIKey)
	setString("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
}

// RegistryPath is where the session registry persists its map.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// UsagePath is where AI usage entries are appended.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "ai-usage.jsonl")
}

// TodoPath is where a project's todo list persists.
func (c *Config) TodoPath(projectID string) string {
	return filepath.Join(c.DataDir, "todos", projectID+".json")
}

// ProjectDir is the host-side working copy for a project.
func (c *Config) ProjectDir(projectID string) string {
	return filepath.Join(c.ProjectsRoot, projectID)
}

// NextCacheDir is the per-project framework build cache.
func (c *Config) NextCacheDir(projectID string) string {
	return filepath.Join(c.CacheRoot, "next-build", projectID)
}

// InstallArchiveDir holds the content-addressed install archives.
func (c *Config) InstallArchiveDir() string {
	return filepath.Join(c.CacheRoot, "node-modules")
}

// PreviewURL builds the client-facing preview URL for a project.
func (c *Config) PreviewURL(projectID string) string {
	return strings.TrimRight(c.PublicURL, "/") + "/preview/" + projectID + "/"
}

// PlanBudget returns the monthly EUR ceiling for a plan, falling back to the
// free tier for unknown plan ids.
func (c *Config) PlanBudget(plan string) float64 {
	if eur, ok := c.PlanBudgets[strings.ToLower(plan)]; ok {
		return eur
	}
	return c.PlanBudgets["free"]
}
