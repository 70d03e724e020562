package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drape-ai/drape/internal/agent"
	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/container"
	"github.com/drape-ai/drape/internal/event"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/internal/provider"
	"github.com/drape-ai/drape/internal/registry"
	"github.com/drape-ai/drape/internal/server"
	"github.com/drape-ai/drape/internal/tool"
	"github.com/drape-ai/drape/internal/usage"
	"github.com/drape-ai/drape/internal/workspace"
)

// usageCompactionInterval bounds the usage file's growth.
const usageCompactionInterval = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		driver, err := container.NewDriver(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := driver.InitializeNetwork(ctx); err != nil {
			logging.Warn().Err(err).Msg("workspace network initialization failed")
		}

		reg := registry.New(cfg.RegistryPath())
		orch := workspace.New(cfg, reg, driver)

		orch.AdoptOrphans(ctx)
		orch.StartReaper()

		usageStore := usage.New(cfg.UsagePath())
		go func() {
			ticker := time.NewTicker(usageCompactionInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					usageStore.Compact()
				}
			}
		}()

		providers := provider.NewRegistry(cfg)
		todoStore := tool.NewTodoStore(filepath.Join(cfg.DataDir, "todos"))
		tools := tool.DefaultRegistry(todoStore, tool.NewDuckDuckGoSearcher())

		loop := agent.New(cfg, providers, tools, usageStore, orch, driver.Agent())
		srv := server.New(cfg, loop, orch)

		err = srv.Start(ctx)

		orch.Shutdown()
		reg.Close()
		usageStore.Compact()
		event.CloseGlobal()
		logging.Close()
		return err
	},
}
