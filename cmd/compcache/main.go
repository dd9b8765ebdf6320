package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/compcache/compcache/internal/config"
	"github.com/compcache/compcache/pkg/cache"
	"github.com/compcache/compcache/pkg/driver"
	"github.com/compcache/compcache/pkg/sys"
)

var (
	// Version information (set by build)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command. Called with a compiler command line it
// runs that invocation through the cache; subcommands manage the cache itself.
var rootCmd = &cobra.Command{
	Use:   "compcache COMPILER [ARGS...]",
	Short: "A compiler invocation cache",
	Long: `Compcache wraps compiler invocations and caches their results. Repeating
a compilation with unchanged inputs replays the stored artifacts instead of
running the compiler again.

Usage is prefix style: put "compcache" in front of the compiler command,
e.g. "compcache gcc -c -o foo.o foo.c".`,
	Version:       version,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCompileCommand,
}

// clearCmd represents the clear command
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all entries from the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.Clear(cmd.Context())
	},
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Entries: %d\n", stats.Entries)
		fmt.Printf("Size:    %d bytes\n", stats.Size)
		return nil
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Compcache version: %s\n", version)
		fmt.Printf("Git commit: %s\n", commit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.compcache.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Everything after the compiler name belongs to the compiler, not to us.
	rootCmd.Flags().SetInterspersed(false)

	// Add subcommands
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

// initLogging configures the global logger. Diagnostics go to stderr so that
// forwarded compiler output stays clean.
func initLogging(debug bool) {
	level := zerolog.WarnLevel
	if debug || verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// loadConfiguration loads the application configuration
func loadConfiguration() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the cache store named by the configuration.
func openStore() (*cache.LocalStore, error) {
	cfg, err := loadConfiguration()
	if err != nil {
		return nil, err
	}
	initLogging(cfg.Debug)
	return cache.NewLocalStore(cfg.CacheDir, cache.WithMaxSize(cfg.MaxCacheSize))
}

// runCompileCommand handles a wrapped compiler invocation
func runCompileCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	initLogging(cfg.Debug)

	if cfg.Prefix != "" && os.Getenv(sys.PrefixEnv) == "" {
		os.Setenv(sys.PrefixEnv, cfg.Prefix)
	}

	store, err := cache.NewLocalStore(cfg.CacheDir, cache.WithMaxSize(cfg.MaxCacheSize))
	if err != nil {
		return fmt.Errorf("failed to open the cache: %w", err)
	}

	drv := driver.New(store,
		driver.WithPreprocessHash(cfg.PreprocessHash),
		driver.WithDisabled(cfg.Disabled),
	)

	// Handle interrupt signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code, err := drv.Run(ctx, args, os.Environ())
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
