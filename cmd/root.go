package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facemerge/internal/cache"
	"github.com/andresmejia3/facemerge/internal/config"
	"github.com/andresmejia3/facemerge/internal/utils"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// cfg is loaded from the environment before any subcommand runs
	cfg config.Config

	logLevel  string
	redisAddr string
	dbURL     string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facemerge",
	Short:   "Face attribute pipeline: age/gender and landmark stages merged through a shared cache",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		// Flags win over the environment
		if logLevel != "" {
			if _, err := log.ParseLevel(logLevel); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			cfg.LogLevel = logLevel
		}
		if redisAddr != "" {
			cfg.RedisAddr = redisAddr
		}
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	// Errors are reported once, by utils.Die
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.Die("Command failed", err, nil)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $FACEMERGE_LOG_LEVEL or info)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (default: $FACEMERGE_REDIS_ADDR or localhost:6379)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: built from POSTGRES_* or postgres://localhost:5432/facemerge)")
}

func newLogger(prefix string) *log.Logger {
	return cfg.NewLogger(os.Stderr, prefix)
}

func openCache(ctx context.Context) (*cache.Cache, error) {
	c, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUser,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		FrameTTL: cfg.FrameTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}
	return c, nil
}
