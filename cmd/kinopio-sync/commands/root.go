package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kinopio-club/kinopio-sync/internal/config"
	"github.com/kinopio-club/kinopio-sync/internal/logging"
	"github.com/kinopio-club/kinopio-sync/internal/printer"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kinopio-sync",
	Short: "kinopio-sync - realtime sync for collaborative spaces",
	Long: `kinopio-sync keeps the cards, boxes, connections, lines and lists of a
Kinopio space in sync between every client editing it.

It can join a space and stream what other clients change, run the room
relay those clients connect to, and inspect the persistence queue.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	// The printer package prints formatted errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to kinopio-sync.yml")
}

// loadConfig reads --config. A missing default file falls back to defaults;
// a missing file named explicitly is an error.
func loadConfig(cmd *cobra.Command, p *printer.Printer) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(configPath)
	}
	if err != nil {
		return nil, p.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{
				"Check the file against the documented keys",
				fmt.Sprintf("Override the server with %s", config.EnvServerURL),
			},
		)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Level)
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}
