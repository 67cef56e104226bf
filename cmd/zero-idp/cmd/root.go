package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/gematik/zero-idp/pkg/prettylog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose = false

var (
	rootCmd = &cobra.Command{
		Use:   "zero-idp",
		Short: "Client for the gematik IDP-Dienst",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			godotenv.Load()

			logLevel := slog.LevelInfo
			if verbose {
				logLevel = slog.LevelDebug
			}
			if os.Getenv("PRETTY_LOGS") != "false" {
				slog.SetDefault(slog.New(prettylog.NewHandlerWithOutput(logLevel, os.Stderr)))
			} else {
				slog.SetLogLoggerLevel(logLevel)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ZERO_IDP")
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.StringP("config-file", "f", "zero-idp.yaml", "config file")
	flags.Bool("insecure", false, "do not verify the discovery document signature")
	viper.BindPFlag("config_file", flags.Lookup("config-file"))
	viper.BindPFlag("insecure", flags.Lookup("insecure"))
}

// newClient creates an IDP client from the configured file.
func newClient() (*gemidp.Client, error) {
	path := viper.GetString("config_file")
	config, err := gemidp.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}

	var opts []gemidp.ClientOption
	if viper.GetBool("insecure") {
		opts = append(opts, gemidp.WithDocumentVerifier(gemidp.UnverifiedDocuments{}))
	}
	return gemidp.NewClient(*config, opts...)
}
