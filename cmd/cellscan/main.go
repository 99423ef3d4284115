package main

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/logging"
	"github.com/shortontech/cellscan/pkg/config"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile  string
	logLevel string
	cfg      config.Config
	logger   *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "cellscan",
		Short: "Multi-hardware SDR cellular scanner.",
		Long: `cellscan proves the attached SDR hardware, sweeps the configured bands for
base stations, decodes GSM control channels and reports validated identities,
short messages and voice-bearer activity to the configured outputs.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.cellscan.yaml)")
	root.PersistentFlags().StringVarP(&a.logLevel, "loglevel", "l", "", "override LOG_LEVEL: debug, info, warn, error")

	root.AddCommand(
		newScanCmd(a),
		newDevicesCmd(a),
		newBandsCmd(a),
		newDecodeCmd(a),
		newHealthcheckCmd(a),
	)
	return root
}

// init loads configuration and builds the logger.
func (a *app) init() error {
	path, err := configPath(a.cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	if path != "" {
		logger.Debug("config file loaded", zap.String("path", path))
	}
	return nil
}

// configPath returns the explicit --config value, or $HOME/.cellscan.yaml
// when that file exists, or "" for environment-only configuration.
func configPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", nil
	}
	path := filepath.Join(home, ".cellscan.yaml")
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}
