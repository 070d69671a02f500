package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/logging"
	"github.com/vigilmon/vigil/internal/notifications"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	flagChunk string
	flagLimit int
	flagTest  bool
)

var rootCmd = &cobra.Command{
	Use:     "vigil",
	Short:   "Vigil - synthetic uptime monitoring service",
	Long:    `Vigil probes monitor items on their own cadence, persists status, and alerts through chat, webhook, push, and email channels.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Vigil %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagChunk, "chunk", "", "item slice to run, as K-S (chunk number and size)")
	rootCmd.PersistentFlags().IntVar(&flagLimit, "limit", 0, "cap the total working set")
	rootCmd.PersistentFlags().BoolVar(&flagTest, "test", false, "load the alternate test.env configuration")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the environment and initializes logging for every
// subcommand that touches the service.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagTest)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:   cfg.LogFormat,
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	notifications.Version = Version
	return cfg, nil
}

// parseChunk splits the K-S flag into chunk number and size. An empty
// flag means one unchunked instance.
func parseChunk(raw string) (chunk, size int, err error) {
	if raw == "" {
		return 1, 0, nil
	}
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("chunk must be K-S, got %q", raw)
	}
	chunk, err = strconv.Atoi(parts[0])
	if err != nil || chunk < 1 {
		return 0, 0, fmt.Errorf("chunk number must be a positive integer, got %q", parts[0])
	}
	size, err = strconv.Atoi(parts[1])
	if err != nil || size < 1 {
		return 0, 0, fmt.Errorf("chunk size must be a positive integer, got %q", parts[1])
	}
	return chunk, size, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
