package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxlabs/ssap/pkg/client"
	"github.com/sandboxlabs/ssap/pkg/types"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sandbox sessions",
	Long:  `Acquire, inspect, refresh, and release per-thread sandbox sessions.`,
}

var acquireCmd = &cobra.Command{
	Use:   "acquire <thread-id>",
	Short: "Acquire (or look up) the sandbox session for a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		hint, _ := cmd.Flags().GetString("sandbox-hint")

		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
		defer cancel()

		resp, err := c.Acquire(ctx, types.AcquireRequest{
			ThreadID:    args[0],
			Mode:        types.SessionMode(mode),
			SandboxHint: hint,
		})
		if err != nil {
			return fmt.Errorf("failed to acquire session: %w", err)
		}

		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Fetch an owned session and a fresh token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := c.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}

		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <session-id>",
	Short: "Re-mint the access token for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := c.Refresh(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to refresh session: %w", err)
		}

		fmt.Printf("token: %s\nexpires_at: %s\n", resp.Token, resp.ExpiresAt)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <session-id>",
	Short: "Release a session and forget its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.Release(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to release session: %w", err)
		}

		fmt.Printf("✓ Session released: %s\n", args[0])
		return nil
	},
}

func init() {
	acquireCmd.Flags().String("mode", "ensure", "acquire mode: get or ensure")
	acquireCmd.Flags().String("sandbox-hint", "", "adopt an existing sandbox by name")

	sessionCmd.AddCommand(acquireCmd)
	sessionCmd.AddCommand(getCmd)
	sessionCmd.AddCommand(refreshCmd)
	sessionCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(sessionCmd)
}
