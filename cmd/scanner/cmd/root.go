package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"roomscan/internal/client"
	"roomscan/internal/logging"
)

var (
	cfgFile string
	log     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scanner",
	Short: "roomscan check-in scanner and operator tools",
	Long: `scanner runs a room check-in device against the roomscan API.

Captures are buffered in a local SQLite file and submitted in batches, so a
device keeps working through network outages. Operator subcommands issue
tokens, show the live room board and send room control commands.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log = logging.Must(viper.GetString("log_level"), "console", "scanner")
	return nil
}

func loadConfig() error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".roomscan"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("scanner")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SCANNER")
	viper.AutomaticEnv()

	viper.SetDefault("server_url", "http://localhost:8081")
	viper.SetDefault("db_path", "scanner.db")
	viper.SetDefault("sync_interval", 10*time.Second)
	viper.SetDefault("timeout", 10*time.Second)
	viper.SetDefault("issuer", "roomscan")
	viper.SetDefault("token_ttl", 12*time.Hour)
	viper.SetDefault("log_level", "warn")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func api() *client.HTTPAPI {
	return client.NewHTTPAPI(viper.GetString("server_url"), viper.GetDuration("timeout"), log)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.roomscan/scanner.yaml)")
	rootCmd.PersistentFlags().String("server", "", "roomscan API base URL")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("token", "", "operator token for staff commands (or SCANNER_TOKEN)")
	_ = viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(runCmd, tokenCmd, liveCmd, controlCmd)
}
