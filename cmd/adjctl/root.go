package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "adjctl",
		Short:         "Inspect how the adjudicator routes, cleans and reads agent text",
		Long:          `adjctl classifies messages, redacts PII, extracts decisions, sanitizes responses and builds capability manifests with the same code the service runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("verbose"); !v {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
		},
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "Log at info level")

	root.AddCommand(
		newClassifyCmd(),
		newRedactCmd(),
		newDecisionCmd(),
		newSanitizeCmd(),
		newManifestCmd(),
	)
	return root
}

// inputText joins the positional arguments, or reads stdin when there are none.
func inputText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
