package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether on-device intelligence is available",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := openProvider(cmd.Context())
		defer closeProvider(provider)

		availability := provider.CheckAvailability(cmd.Context())
		if availability.Available {
			fmt.Fprintf(cmd.OutOrStdout(), "available (provider: %s)\n", provider.Name())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unavailable: %s\n", availability.Reason)
		return nil
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags FILE",
	Short: "Generate 1-5 topic tags for a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(args[0])
		if err != nil {
			return err
		}

		provider := openProvider(cmd.Context())
		defer closeProvider(provider)

		tags, err := provider.GenerateTags(cmd.Context(), content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(tags, "\n"))
		return nil
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize FILE",
	Short: "Summarize a file in one sentence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readContent(args[0])
		if err != nil {
			return err
		}

		provider := openProvider(cmd.Context())
		defer closeProvider(provider)

		summary, err := provider.Summarize(cmd.Context(), content)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
