package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/portprobe/internal/auth"
)

var (
	apikeyName   string
	apikeyTTL    time.Duration
	apikeyOutput string
)

// apikeyCmd represents the apikey command
var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Create API keys and bcrypt hashes",
	Long: `Create API keys for the HTTP API. The server only stores bcrypt hashes,
listed under api.api_key_hashes in the configuration; the key itself is
printed once and never stored.`,
}

var apikeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key and its hash",
	Example: `  portprobe apikey generate --name ci
  portprobe apikey generate --name dashboard --ttl 720h --output json`,
	Args: cobra.NoArgs,
	RunE: runAPIKeyGenerate,
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash [KEY]",
	Short: "Hash an existing API key for the configuration",
	Long: `Hash prints the bcrypt hash of KEY. Without KEY, or with "-", the key is
read from the first line of standard input.`,
	Example: `  portprobe apikey hash pp_abcdefgh...
  echo "$PORTPROBE_KEY" | portprobe apikey hash`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAPIKeyHash,
}

var apikeyVerifyCmd = &cobra.Command{
	Use:   "verify KEY HASH",
	Short: "Check that a key matches a configured hash",
	Args:  cobra.ExactArgs(2),
	RunE:  runAPIKeyVerify,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyGenerateCmd, apikeyHashCmd, apikeyVerifyCmd)

	apikeyGenerateCmd.Flags().StringVar(&apikeyName, "name", "", "Descriptive name for the key")
	apikeyGenerateCmd.Flags().DurationVar(&apikeyTTL, "ttl", 0, "Informational expiry such as 720h (0 = never)")
	apikeyGenerateCmd.Flags().StringVarP(&apikeyOutput, "output", "o", formatTable, "Output format: table, json, yaml")
	_ = apikeyGenerateCmd.MarkFlagRequired("name")
}

func runAPIKeyGenerate(cmd *cobra.Command, args []string) error {
	switch apikeyOutput {
	case formatTable, formatJSON, formatYAML:
	default:
		return &exitError{code: exitUsage, msg: fmt.Sprintf("unknown output format %q", apikeyOutput)}
	}

	key, err := auth.GenerateAPIKey(apikeyName, apikeyTTL)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}
	return displayGeneratedKey(cmd.OutOrStdout(), apikeyOutput, key)
}

func displayGeneratedKey(out io.Writer, format string, key *auth.GeneratedAPIKey) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(key, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal API key: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case formatYAML:
		return yaml.NewEncoder(out).Encode(key)
	}

	expires := "never"
	if key.KeyInfo.ExpiresAt != nil {
		expires = key.KeyInfo.ExpiresAt.Format(time.RFC3339)
	}

	table := tablewriter.NewWriter(out)
	table.Header("NAME", "PREFIX", "CREATED", "EXPIRES")
	_ = table.Append([]string{
		key.KeyInfo.Name,
		key.KeyInfo.KeyPrefix,
		key.KeyInfo.CreatedAt.Format(time.RFC3339),
		expires,
	})
	if err := table.Render(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\nAPI key (shown only once):\n  %s\n\nAdd this hash to api.api_key_hashes:\n  %s\n",
		key.Key, key.Hash)
	return err
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 && args[0] != "-" {
		key = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = line
	}

	key = strings.TrimSpace(key)
	if !auth.IsValidAPIKeyFormat(key) {
		return &exitError{code: exitUsage, msg: fmt.Sprintf("not an API key: expected %s_ followed by letters and digits",
			auth.APIKeyPrefix)}
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
	return err
}

func runAPIKeyVerify(cmd *cobra.Command, args []string) error {
	if !auth.IsValidHash(args[1]) {
		return &exitError{code: exitUsage, msg: "HASH is not a bcrypt hash"}
	}
	if !auth.ValidateAPIKey(args[0], args[1]) {
		return &exitError{code: exitUsage, msg: "key does not match hash"}
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "key matches")
	return err
}
