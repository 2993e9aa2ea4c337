package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	secret  string
	version = "dev"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowctl",
		Short:         "Operator tools for flowbridge",
		Long:          "Sign and verify automation webhooks, check flow tags and replay forum events against a flowbridge instance.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("FLOW_WEBHOOK_SECRET"), "shared webhook secret")

	cmd.AddCommand(newSignCmd(), newVerifyCmd(), newExtractCmd(), newSendCmd())
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// readInput reads the named file, or stdin for "" and "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
