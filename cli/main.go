package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

// app carries settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	client *http.Client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{
		v:      viper.New(),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "hivectl",
		Short: "hivectl - manage a hive device fleet",
		Long: `hivectl talks to the hive server's operator API.

Settings come from flags, HIVECTL_* environment variables or ~/.hivectl.yaml:
  server   API endpoint (HIVECTL_SERVER)
  token    operator bearer token (HIVECTL_TOKEN)
  org      organization every request is scoped to (HIVECTL_ORG)
  actor    name recorded as the initiator of commands (HIVECTL_ACTOR)`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cfgFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hivectl.yaml)")
	flags.StringP("server", "s", "http://localhost:8080", "Hive server URL")
	flags.StringP("token", "t", "", "Operator bearer token")
	flags.StringP("org", "o", "", "Organization ID")
	flags.String("actor", "", "Actor recorded on commands")
	flags.Bool("json", false, "Print raw JSON")
	for _, name := range []string{"server", "token", "org", "actor", "json"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		agentsCmd(a),
		agentCmd(a),
		deactivateCmd(a),
		sendCmd(a),
		commandsCmd(a),
		commandCmd(a),
		cancelCmd(a),
		profilesCmd(a),
		versionCmd(),
	)
	return rootCmd
}

func (a *app) initConfig(cfgFile string) error {
	if cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigName(".hivectl")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("HIVECTL")
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hivectl version %s\n", Version)
		},
	}
}
