package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxlabs/ssap/pkg/client"
)

var execCmd = &cobra.Command{
	Use:   "exec <session-id> <command> [args...]",
	Short: "Execute a command through the session relay",
	Long: `Execute a command in the session's sandbox via the relay.
Example: ssap exec ssn_abc123def456 ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		sessionID := args[0]
		command := args[1:]

		payload, err := json.Marshal(map[string]any{"command": command})
		if err != nil {
			return fmt.Errorf("marshal command: %w", err)
		}

		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 130*time.Second)
		defer cancel()

		raw, err := c.Execute(ctx, sessionID, token, payload)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			fmt.Println(string(raw))
			return nil
		}

		var result map[string]any
		if err := json.Unmarshal(raw, &result); err != nil {
			// Not JSON, just show the raw body.
			fmt.Println(string(raw))
			return nil
		}

		// Print stdout
		if stdout, ok := result["stdout"].(string); ok && stdout != "" {
			fmt.Print(stdout)
		}

		// Print stderr to stderr
		if stderr, ok := result["stderr"].(string); ok && stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), stderr)
		}

		// Print exit code if non-zero
		if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
			return fmt.Errorf("command exited with code %d", int(exitCode))
		}

		return nil
	},
}

func checkToken() error {
	if token == "" {
		return fmt.Errorf("a session access token is required (set --token or SSAP_TOKEN; get one with 'ssap session acquire')")
	}
	return nil
}

func init() {
	execCmd.Flags().Bool("json", false, "print the raw upstream JSON response")
	rootCmd.AddCommand(execCmd)
}
