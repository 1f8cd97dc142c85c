package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL  string
	identity string
	token    string
)

var rootCmd = &cobra.Command{
	Use:   "ssap",
	Short: "SSAP CLI - Work with sandbox sessions from the command line",
	Long: `SSAP CLI talks to a Sandbox Session & Access Proxy server.

It acquires per-thread sandbox sessions, refreshes and releases them, and
relays execute/upload/download traffic using the session access token.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("SSAP_URL", "http://localhost:8080"), "SSAP server base URL")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", os.Getenv("SSAP_IDENTITY"), "caller identity sent as X-Auth-Identity")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SSAP_TOKEN"), "session access token for relay commands")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
