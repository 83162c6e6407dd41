package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/caselaw"
)

// cli holds the global flags shared by every subcommand.
type cli struct {
	configPath string
	envFile    string
	dataDir    string
	jsonOut    bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "caselaw",
		Short: "Grounded question answering over legal case files",
		Long: `caselaw keeps one folder per case, extracts and indexes the documents you
upload, and answers questions from those documents and the statute corpus
with citations.

Examples:
  caselaw case create "Smith v. Jones"
  caselaw doc upload <case-id> judgment.pdf notice.docx
  caselaw ask <case-id> "Was the notice period respected?"
  caselaw index rebuild
  caselaw eval dismissal.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "Config file (JSON, YAML or TOML)")
	flags.StringVar(&c.envFile, "env-file", ".env", "Dotenv file loaded before reading CASELAW_* variables")
	flags.StringVar(&c.dataDir, "data-dir", "", "Data directory (overrides config)")
	flags.BoolVar(&c.jsonOut, "json", false, "Print results as JSON")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Log progress to stderr")

	root.AddCommand(
		c.newCaseCmd(),
		c.newDocCmd(),
		c.newAskCmd(),
		c.newHistoryCmd(),
		c.newIndexCmd(),
		c.newEvalCmd(),
	)
	return root
}

// config resolves the configuration: file or defaults, then environment,
// then flags.
func (c *cli) config() (caselaw.Config, error) {
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return caselaw.Config{}, fmt.Errorf("loading %s: %w", c.envFile, err)
	}

	cfg := caselaw.DefaultConfig()
	if c.configPath != "" {
		loaded, err := caselaw.LoadConfig(c.configPath)
		if err != nil {
			return caselaw.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return caselaw.Config{}, err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}

	cfg.LogFormat = "text"
	if c.verbose {
		cfg.LogLevel = "debug"
	} else {
		cfg.LogLevel = "warn"
	}
	return cfg, nil
}

// open builds an engine for one command. The caller closes it.
func (c *cli) open(cmd *cobra.Command) (caselaw.Engine, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.NewLogger(cmd.ErrOrStderr()))

	engine, err := caselaw.New(cfg)
	if err != nil {
		return nil, explain(err)
	}
	return engine, nil
}

// run opens an engine, calls fn and closes the engine.
func (c *cli) run(cmd *cobra.Command, fn func(caselaw.Engine) error) error {
	engine, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer engine.Close()
	return explain(fn(engine))
}

// explain appends the suggested action to an engine error.
func explain(err error) error {
	if err == nil {
		return nil
	}
	switch caselaw.ActionOf(err) {
	case caselaw.ActionRetry:
		return fmt.Errorf("%w (try again)", err)
	case caselaw.ActionReupload:
		return fmt.Errorf("%w (re-upload the file)", err)
	case caselaw.ActionRebuildIndex:
		return fmt.Errorf("%w (run: caselaw index rebuild)", err)
	}
	return err
}

// emit prints v as indented JSON when --json is set; otherwise it calls text.
func (c *cli) emit(w io.Writer, v any, text func(io.Writer)) error {
	if c.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
