package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/kaibot/internal/persona"
)

// classifyCmd prints the intent a message would be routed by. Useful when
// editing the phrase bank or the intent table.
func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>",
		Short: "Show the intent detected for a message",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			text := strings.Join(args, " ")
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", persona.Classify(text), persona.Normalize(text))
		},
	}
}
