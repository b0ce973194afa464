// Command healer is the CLI entry point for the CI healing agent: it
// wires internal/config, internal/logging, internal/store,
// internal/codehost, internal/llm, internal/sandbox, internal/pipeline,
// and internal/janitor together behind a cobra command tree, mirroring
// the teacher's cli.go (CLI struct wrapping *cobra.Command,
// PersistentPreRun loading config and logging before every command).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"dagger.io/dagger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/autofix/ci-healer/internal/codehost"
	"github.com/autofix/ci-healer/internal/config"
	"github.com/autofix/ci-healer/internal/janitor"
	"github.com/autofix/ci-healer/internal/llm"
	"github.com/autofix/ci-healer/internal/logging"
	"github.com/autofix/ci-healer/internal/pipeline"
	"github.com/autofix/ci-healer/internal/sandbox"
	"github.com/autofix/ci-healer/internal/store"
	"github.com/autofix/ci-healer/internal/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// CLI wraps the cobra root command plus the resolved configuration and
// logger every subcommand's RunE closes over, the same shape the
// teacher's CLI struct uses.
type CLI struct {
	logger *logrus.Logger
	cfg    config.Config
	root   *cobra.Command
}

func newRootCmd() *cobra.Command {
	c := &CLI{}

	root := &cobra.Command{
		Use:     "healer",
		Short:   "Autonomous CI failure-repair agent",
		Long:    "Observes failed CI builds, diagnoses root cause with an LLM, reproduces the failure in a sandbox, synthesizes and verifies a patch, and opens a review request or escalation ticket.",
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.bootstrap(cmd)
		},
	}

	root.PersistentFlags().String("config", config.DefaultEnvFile, "Path to .env-style configuration file")
	root.PersistentFlags().String("github-token", "", "Code-host access token")
	root.PersistentFlags().String("llm-provider", "openai", "LLM provider (openai, anthropic, gemini, deepseek, litellm)")
	root.PersistentFlags().String("llm-api-key", "", "LLM API key")
	root.PersistentFlags().String("webhook-secret", "", "Shared secret for webhook signature verification")
	root.PersistentFlags().String("store-path", "healer.db", "Path to the SQLite durable store")
	root.PersistentFlags().String("target-branch", "main", "Base branch review requests are opened against")
	root.PersistentFlags().Int("max-attempts", 3, "Maximum fix-loop attempts per failure")
	root.PersistentFlags().Int("worker-pool-size", 4, "Maximum concurrent pipeline runs")
	root.PersistentFlags().Duration("repro-timeout", 300*time.Second, "Reproduction/fix-loop test-command timeout")
	root.PersistentFlags().Duration("janitor-threshold", 24*time.Hour, "Age past which workspace directories and in-flight failure rows are swept (containers are not swept)")
	root.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	root.AddCommand(
		c.newIngestCmd(),
		c.newServeCmd(),
		c.newStatusCmd(),
		c.newConfigCmd(),
	)

	c.root = root
	return root
}

// bootstrap loads configuration (file, then environment, then explicit
// flags, highest precedence last) and builds the logger, matching the
// teacher's loadConfiguration/setupLogging PersistentPreRun split.
func (c *CLI) bootstrap(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	if err := config.LoadEnvFile(configPath); err != nil {
		return err
	}

	cfg := config.FromEnvironment(config.Defaults())

	if v, _ := cmd.Flags().GetString("github-token"); v != "" {
		cfg.GitHubToken = v
	}
	if v, _ := cmd.Flags().GetString("llm-provider"); cmd.Flags().Changed("llm-provider") {
		cfg.LLMProvider = v
	}
	if v, _ := cmd.Flags().GetString("llm-api-key"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v, _ := cmd.Flags().GetString("webhook-secret"); v != "" {
		cfg.WebhookSecret = v
	}
	if v, _ := cmd.Flags().GetString("store-path"); cmd.Flags().Changed("store-path") {
		cfg.StorePath = v
	}
	if v, _ := cmd.Flags().GetString("target-branch"); cmd.Flags().Changed("target-branch") {
		cfg.TargetBranch = v
	}
	if v, _ := cmd.Flags().GetInt("max-attempts"); cmd.Flags().Changed("max-attempts") {
		cfg.MaxAttempts = v
	}
	if v, _ := cmd.Flags().GetInt("worker-pool-size"); cmd.Flags().Changed("worker-pool-size") {
		cfg.WorkerPoolSize = v
	}
	if v, _ := cmd.Flags().GetDuration("repro-timeout"); cmd.Flags().Changed("repro-timeout") {
		cfg.ReproTimeout = v
	}
	if v, _ := cmd.Flags().GetDuration("janitor-threshold"); cmd.Flags().Changed("janitor-threshold") {
		cfg.JanitorThreshold = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); cmd.Flags().Changed("log-level") {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); cmd.Flags().Changed("log-format") {
		cfg.LogFormat = v
	}

	c.cfg = cfg
	c.logger = logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return nil
}

// deps bundles the collaborators every subcommand that touches the
// store, code host, LLM, or sandbox needs, plus a cleanup func that
// releases the Dagger connection and the store handle. Grounded on the
// teacher's initializeAgent, which performs this same "construct every
// collaborator, validate required credentials" assembly before any
// command runs.
type deps struct {
	store *store.Store
	orch  *pipeline.Orchestrator
	jan   *janitor.Janitor
	close func()
}

func (c *CLI) buildDeps(ctx context.Context) (*deps, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := store.Open(c.cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	daggerClient, err := dagger.Connect(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect to dagger: %w", err)
	}

	host := codehost.NewGitHubClient(ctx, c.cfg.GitHubToken, c.logger)
	llmClient := llm.NewHTTPClient(llm.Provider(c.cfg.LLMProvider), c.cfg.LLMAPIKey, c.logger)
	driver := sandbox.NewDaggerDriver(daggerClient)

	orch := pipeline.New(st, host, llmClient, driver, c.logger, pipeline.Options{
		ReproTimeout:   c.cfg.ReproTimeout,
		TargetBranch:   c.cfg.TargetBranch,
		WorkerPoolSize: c.cfg.WorkerPoolSize,
	})
	jan := janitor.New(st, c.logger, c.cfg.JanitorThreshold)

	return &deps{
		store: st,
		orch:  orch,
		jan:   jan,
		close: func() {
			daggerClient.Close()
			st.Close()
		},
	}, nil
}

// newIngestCmd implements a one-shot "ingest" subcommand: decode a
// webhook event payload from a file (or stdin), verify its signature if
// a secret is configured, and drive exactly one pipeline run to
// completion. This is the CLI-level stand-in for the HTTP webhook
// surface, which spec.md §1 places out of scope.
func (c *CLI) newIngestCmd() *cobra.Command {
	var eventPath string
	var signature string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one webhook event and run the healing pipeline to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var raw []byte
			var err error
			if eventPath == "" || eventPath == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(eventPath)
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			if !webhook.VerifySignature(c.cfg.WebhookSecret, raw, signature) {
				return fmt.Errorf("webhook: signature verification failed")
			}

			event, err := webhook.Decode(raw)
			if err != nil {
				return err
			}
			if !event.ShouldProcess() {
				c.logger.WithFields(logrus.Fields{
					"action":     event.Action,
					"conclusion": event.WorkflowRun.Conclusion,
				}).Info("ingest: event ignored")
				return nil
			}

			d, err := c.buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			in := pipeline.Input{
				Repo:          event.Repository.FullName,
				RunID:         event.RunID(),
				WorkflowRunID: event.WorkflowRun.ID,
				SHA:           event.WorkflowRun.HeadSHA,
				Branch:        event.WorkflowRun.HeadBranch,
				WorkflowName:  event.WorkflowRun.Name,
				CloneURL:      event.Repository.CloneURL,
			}
			if event.Installation != nil {
				id := event.Installation.ID
				in.InstallationID = &id
			}

			if err := d.orch.Ingest(ctx, in); err != nil {
				return err
			}
			d.orch.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&eventPath, "event", "", "Path to a JSON webhook event payload (default: stdin)")
	cmd.Flags().StringVar(&signature, "signature", "", "X-Hub-Signature-256 style header value to verify against --webhook-secret")
	return cmd
}

// newServeCmd runs the janitor sweep loop until interrupted. The
// webhook HTTP listener itself is out of scope (spec.md §1); operators
// front this process with their own listener calling "healer ingest".
func (c *CLI) newServeCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background janitor sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := c.buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			c.logger.WithField("interval", interval).Info("janitor: starting sweep loop")
			d.jan.Run(ctx, interval)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "How often the janitor sweeps for stale workspaces and in-flight failure rows")
	return cmd
}

// newStatusCmd prints aggregate metrics over the durable store.
func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show aggregate pipeline metrics from the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(c.cfg.StorePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			metrics, err := st.Metrics()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(metrics)
		},
	}
}

// newConfigCmd groups configuration-inspection subcommands, matching
// the teacher's "config init/show/validate" command group.
func (c *CLI) newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			redacted := c.cfg
			redacted.GitHubToken = redact(redacted.GitHubToken)
			redacted.LLMAPIKey = redact(redacted.LLMAPIKey)
			redacted.WebhookSecret = redact(redacted.WebhookSecret)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(redacted)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate that required credentials are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	})

	return configCmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

