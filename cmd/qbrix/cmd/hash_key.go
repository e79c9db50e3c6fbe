package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate the SHA256 hash of an admin API key",
	Long: `Generate a SHA256 hash of an API key for use in config.

The output is hex, directly usable in auth.api_key_hashes.

Example:
  qbrix hash-key "my-secret-api-key"

Security note: the key will appear in shell history. Consider passing
it via an environment variable:
  qbrix hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash := sha256.Sum256([]byte(args[0]))
		fmt.Println(hex.EncodeToString(hash[:]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
