package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxlabs/ssap/pkg/client"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Move files in and out of a session's sandbox",
	Long:  `Upload and download files through the session relay.`,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <session-id> <remote-path> <local-file>",
	Short: "Upload a local file into the sandbox",
	Long: `Upload a file through the relay. Use - to read from stdin.
Example: ssap files upload ssn_abc123def456 /workspace/data.csv ./data.csv
         echo "hello" | ssap files upload ssn_abc123def456 /workspace/hello.txt -`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		sessionID := args[0]
		remotePath := args[1]
		localFile := args[2]

		var data []byte
		var err error
		if localFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(localFile)
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 130*time.Second)
		defer cancel()

		if err := c.Upload(ctx, sessionID, token, remotePath, data); err != nil {
			return fmt.Errorf("failed to upload file: %w", err)
		}

		fmt.Printf("✓ Uploaded %d bytes to %s\n", len(data), remotePath)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <session-id> <remote-path> [local-file]",
	Short: "Download a file from the sandbox",
	Long: `Download a file through the relay. Writes to stdout unless a
local file is given.
Example: ssap files download ssn_abc123def456 /workspace/out.txt ./out.txt`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkToken(); err != nil {
			return err
		}

		sessionID := args[0]
		remotePath := args[1]

		c := client.NewClient(baseURL, identity)
		ctx, cancel := context.WithTimeout(context.Background(), 130*time.Second)
		defer cancel()

		body, err := c.Download(ctx, sessionID, token, remotePath)
		if err != nil {
			return fmt.Errorf("failed to download file: %w", err)
		}
		defer body.Close()

		var out io.Writer = cmd.OutOrStdout()
		if len(args) == 3 {
			f, err := os.Create(args[2])
			if err != nil {
				return fmt.Errorf("failed to create local file: %w", err)
			}
			defer f.Close()
			out = f
		}

		n, err := io.Copy(out, body)
		if err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}

		if len(args) == 3 {
			fmt.Printf("✓ Downloaded %d bytes to %s\n", n, args[2])
		}
		return nil
	},
}

func init() {
	filesCmd.AddCommand(uploadCmd)
	filesCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(filesCmd)
}
