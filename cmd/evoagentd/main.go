// Package main provides the CLI entry point for the evoagent runtime:
// a self-evolving agent that pairs a dynamic tool registry with a task
// execution engine able to synthesize the tools it's missing.
//
// # Basic usage
//
// Start the registry watcher and wait for events:
//
//	evoagentd serve --config evoagent.yaml
//
// Run a single task from the command line:
//
//	evoagentd task run "summarize the contents of README.md"
//
// List the current tool catalogue:
//
//	evoagentd tool list
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/synthloop/evoagent/internal/config"
	"github.com/synthloop/evoagent/internal/controlsurface"
	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/experience"
	"github.com/synthloop/evoagent/internal/llmgate"
	"github.com/synthloop/evoagent/internal/llmgate/providers"
	"github.com/synthloop/evoagent/internal/planexec"
	"github.com/synthloop/evoagent/internal/registry"
	"github.com/synthloop/evoagent/internal/synth"
	"github.com/synthloop/evoagent/internal/taskengine"
	"github.com/synthloop/evoagent/internal/tool/builtin"
	"github.com/synthloop/evoagent/internal/watcher"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "evoagentd",
		Short: "self-evolving agent runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "evoagent.yaml", "path to configuration file")

	root.AddCommand(serveCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(toolCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type deps struct {
	settings config.Settings
	bus      *eventbus.Bus
	reg      *registry.Registry
	engine   *taskengine.Engine
	store    *experience.Store
	sched    *experience.Scheduler
	surface  *controlsurface.Surface
}

func wire() (*deps, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New(settings.Registry.ManifestPath, bus)

	if err := reg.RegisterBuiltin(builtin.NewTerminal(".")); err != nil {
		return nil, err
	}
	if err := reg.RegisterBuiltin(builtin.NewWebSearch(5)); err != nil {
		return nil, err
	}

	if _, err := os.Stat(settings.Registry.ManifestPath); err == nil {
		if err := reg.LoadManifest(context.Background()); err != nil {
			return nil, fmt.Errorf("load manifest: %w", err)
		}
	}

	provider, err := buildProvider(settings)
	if err != nil {
		return nil, err
	}
	gate := llmgate.New(provider)

	store, err := experience.Open(settings.Experience.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open experience store: %w", err)
	}

	sched, err := experience.NewScheduler(store, settings.Experience.CleanupCron,
		daysToDuration(settings.Experience.RetentionDays))
	if err != nil {
		return nil, fmt.Errorf("build experience scheduler: %w", err)
	}

	synthesizer := synth.New(gate, reg, synth.GoPluginBuilder{}, settings.Registry.ArtifactDir)
	executor := planexec.New(reg, bus, settings.StepTimeout())
	engine := taskengine.New(gate, reg, synthesizer, executor, store, bus)
	surface := controlsurface.New(engine, reg, synthesizer, executor)

	return &deps{
		settings: settings,
		bus:      bus,
		reg:      reg,
		engine:   engine,
		store:    store,
		sched:    sched,
		surface:  surface,
	}, nil
}

func buildProvider(settings config.Settings) (llmgate.Provider, error) {
	ctx := context.Background()
	switch settings.LLM.Provider {
	case "", "anthropic":
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey: settings.LLM.APIKey, BaseURL: settings.LLM.BaseURL, Model: settings.LLM.Model,
		}), nil
	case "openai":
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey: settings.LLM.APIKey, BaseURL: settings.LLM.BaseURL, Model: settings.LLM.Model,
		}), nil
	case "gemini":
		return providers.NewGemini(ctx, providers.GeminiConfig{APIKey: settings.LLM.APIKey, Model: settings.LLM.Model})
	case "bedrock":
		return providers.NewBedrock(ctx, providers.BedrockConfig{Region: settings.LLM.Region, ModelID: settings.LLM.Model})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", settings.LLM.Provider)
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the manifest watcher and the experience cleanup schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watcher.New(d.reg, watcher.Config{Interval: d.settings.WatchInterval()})
			d.sched.Start()
			defer d.sched.Stop()

			slog.Default().Info("evoagentd serving", "manifest", d.settings.Registry.ManifestPath)
			return w.Run(ctx)
		},
	}
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task"}
	c.AddCommand(&cobra.Command{
		Use:   "run [description]",
		Short: "run a single task to completion and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()

			rec, err := d.engine.ExecuteTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(rec.Result)
			return nil
		},
	})
	return c
}

func toolCmd() *cobra.Command {
	c := &cobra.Command{Use: "tool"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list the current tool catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()
			for _, m := range d.reg.List() {
				fmt.Printf("%s\t%s\t%s\n", m.Name, m.Status, m.Description)
			}
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "create [name] [description]",
		Short: "synthesize a new tool from a natural-language description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()
			outcome, err := d.surface.CreateTool(cmd.Context(), controlsurface.ToolSpec{Name: args[0], Description: args[1]})
			if err != nil {
				return err
			}
			if outcome.SafetyFallback {
				fmt.Printf("%s created (safety stub fallback)\n", outcome.Name)
			} else {
				fmt.Printf("%s created\n", outcome.Name)
			}
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "delete [name]",
		Short: "remove a tool from the registry and manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()
			deleted, err := d.surface.DeleteTool(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no such tool: %s", args[0])
			}
			fmt.Printf("%s deleted\n", args[0])
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "info [name]",
		Short: "print a tool's full metadata record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()
			meta, err := d.surface.ToolInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("name: %s\nstatus: %s\nenabled: %v\ncategory: %s\ndescription: %s\n",
				meta.Name, meta.Status, meta.Enabled, meta.Category, meta.Description)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "test [name] [json-params]",
		Short: "run a tool once, outside of any task plan",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := wire()
			if err != nil {
				return err
			}
			defer d.store.Close()
			params := json.RawMessage(`{}`)
			if len(args) == 2 {
				params = json.RawMessage(args[1])
			}
			result, err := d.surface.TestTool(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			fmt.Printf("outcome: %s\nresult: %s\n", result.Outcome, result.Content)
			if result.Error != "" {
				fmt.Printf("error: %s\n", result.Error)
			}
			return nil
		},
	})
	return c
}
