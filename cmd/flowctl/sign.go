package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/imeyer/flowbridge/flow"
	"github.com/spf13/cobra"
)

var (
	errSignatureMismatch = errors.New("signature does not match")
	errNoSecret          = errors.New("no secret: set --secret or FLOW_WEBHOOK_SECRET")
)

func newSignCmd() *cobra.Command {
	var timestamp int64

	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the signature headers for a payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errNoSecret
			}
			body, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			body = bytes.TrimRight(body, "\r\n")

			if timestamp == 0 {
				timestamp = time.Now().UnixMilli()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d\n", flow.HeaderTimestamp, timestamp)
			fmt.Fprintf(out, "%s: %s\n", flow.HeaderSignature, flow.SignBody(body, timestamp, secret))
			return nil
		},
	}

	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "timestamp in unix milliseconds (default now)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		timestamp int64
		signature string
	)

	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check a received signature against a payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errNoSecret
			}
			body, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			body = bytes.TrimRight(body, "\r\n")

			if !flow.VerifyBody(body, timestamp, secret, signature) {
				color.New(color.FgRed).Fprintln(cmd.OutOrStdout(), "signature mismatch")
				return errSignatureMismatch
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "signature ok")
			return nil
		},
	}

	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "value of "+flow.HeaderTimestamp)
	cmd.Flags().StringVar(&signature, "signature", "", "value of "+flow.HeaderSignature)
	_ = cmd.MarkFlagRequired("timestamp")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}
