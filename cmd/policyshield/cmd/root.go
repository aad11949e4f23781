// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	httpapi "github.com/policyshield/policyshield/internal/adapter/inbound/http"
	"github.com/policyshield/policyshield/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "PolicyShield - policy enforcement sidecar for AI agents",
	Long: `PolicyShield is a policy enforcement sidecar for AI agent tool calls.

The agent harness asks PolicyShield before executing each tool call and gets
back a verdict: ALLOW, BLOCK, REDACT, or APPROVE. Rules are plain YAML; PII
detection, injection screening, honeypot tools, rate limits, and a kill
switch come built in.

Quick start:
  1. Write a rules file: rules.yaml
  2. Run: policyshield server --rules rules.yaml

Configuration:
  Config is loaded from policyshield.yaml in the current directory,
  $HOME/.policyshield/, or /etc/policyshield/.

  Environment variables can override config values with the POLICYSHIELD_
  prefix. Example: POLICYSHIELD_API_TOKEN=s3cret

Commands:
  server      Run the enforcement sidecar
  hash-token  Generate a SHA256 hash for an API token
  version     Print version information`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Exit codes: 0 clean shutdown, 1 fatal
// error, 2 kill-switch-requested shutdown.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, httpapi.ErrShutdownRequested) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyshield.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
