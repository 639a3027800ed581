package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/y-oga-819/go-intelkit/internal/gems"
)

var (
	listTag   string
	listLimit int
	jsonOut   bool
)

var saveCmd = &cobra.Command{
	Use:   "save FILE",
	Short: "Save a file as a gem, enriching it when intelligence is available",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := gemFromFile(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		saved, err := a.service.Save(cmd.Context(), g)
		if err != nil {
			return err
		}
		return printGem(cmd, saved)
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich ID",
	Short: "Generate tags and a summary for a saved gem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		enriched, err := a.service.Enrich(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printGem(cmd, enriched)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved gems, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := gems.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		var list []*gems.Gem
		if listTag != "" {
			list, err = store.FilterByTag(cmd.Context(), listTag)
		} else {
			list, err = store.List(cmd.Context(), listLimit, 0)
		}
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(cmd, list)
		}
		for _, g := range list {
			tags := "-"
			if g.Enrichment != nil {
				tags = strings.Join(g.Enrichment.Tags, ", ")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  [%s]\n", g.ID, g.Title, tags)
		}
		return nil
	},
}

func printGem(cmd *cobra.Command, g *gems.Gem) error {
	if jsonOut {
		return printJSON(cmd, g)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", g.ID, g.Title)
	if g.Enrichment == nil {
		fmt.Fprintln(out, "  (not enriched)")
		return nil
	}
	fmt.Fprintf(out, "  tags:    %s\n", strings.Join(g.Enrichment.Tags, ", "))
	fmt.Fprintf(out, "  summary: %s\n", g.Enrichment.Summary)
	return nil
}

func init() {
	listCmd.Flags().StringVar(&listTag, "tag", "", "Only gems with this exact tag")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of gems (0 for all)")
	for _, c := range []*cobra.Command{saveCmd, enrichCmd, listCmd, batchCmd} {
		c.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")
	}
}
