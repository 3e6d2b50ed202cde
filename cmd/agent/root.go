package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/config"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/logging"
)

// cli carries state shared between the root command and its subcommands.
type cli struct {
	v        *viper.Viper
	cfgFile  string
	cfg      *config.Config
	logger   zerolog.Logger
	closeLog io.Closer
}

// persistentFlags maps root flags onto config keys.
var persistentFlags = map[string]string{
	"log-level":      "logger.level",
	"backend":        "automation.backend",
	"automation-url": "automation.base_url",
	"url":            "browser.start_url",
	"storage":        "browser.storage",
	"save-state":     "browser.save_state",
	"headless":       "browser.headless",
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Vision-grounded desktop automation agent",
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.closeLog != nil {
				_ = c.closeLog.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("backend", "", "screen backend: server or browser")
	pf.String("automation-url", "", "automation server base URL")
	pf.String("url", "", "start URL for the browser backend")
	pf.String("storage", "", "path to Playwright storage state")
	pf.String("save-state", "", "path to save updated storage state")
	pf.Bool("headless", false, "run the browser backend headless")
	for flag, key := range persistentFlags {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(newRunCmd(c), newServeCmd(c), newConfigCmd(c))
	return root
}

func (c *cli) init() error {
	_ = godotenv.Load()
	if err := config.ReadFile(c.v, c.cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.closeLog = logging.Init(cfg.Logger)
	c.logger = log.Logger
	return nil
}

func newConfigCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *c.cfg
			if cfg.LLM.APIKey != "" {
				cfg.LLM.APIKey = "***"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return nil
		},
	}
}
