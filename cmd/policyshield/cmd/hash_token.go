package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/domain/auth"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Generate a SHA256 hash for an API token",
	Long: `Generate a SHA256 hash of an API token for use in config.

The output format is "sha256:<hex>" which can be directly used in the
auth.token_hash field, keeping the plaintext token out of config files.

Example:
  policyshield hash-token "my-secret-token"
  # Output: sha256:7d5e8c...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  policyshield hash-token "$MY_API_TOKEN"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.HashToken(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
