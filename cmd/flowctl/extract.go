package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/imeyer/flowbridge/flow"
	"github.com/spf13/cobra"
)

var errNoFlowTag = errors.New("no flow tag found")

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <title>",
		Short: "Show the flow id a topic title would link, and the title as stored",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args, " ")
			out := cmd.OutOrStdout()

			id, ok := flow.ExtractFlowID(title)
			if !ok {
				color.New(color.FgYellow).Fprintln(out, "no flow tag")
				return errNoFlowTag
			}
			if !flow.ValidFlowID(id) {
				return fmt.Errorf("%w: %q", flow.ErrInvalidFlowID, id)
			}

			fmt.Fprintf(out, "flow id: %s\n", color.GreenString(id))
			fmt.Fprintf(out, "stored title: %s\n", flow.MaskFlowTitle(title, id))
			return nil
		},
	}
}
