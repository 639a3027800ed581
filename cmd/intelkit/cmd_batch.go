package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/y-oga-819/go-intelkit/internal/gems"
)

var batchConcurrency int

// batchCmd は複数ファイルを並行して保存する。
// サイドカーへのコマンドはクライアント側で1本に直列化されるので、並行度は読み込みと保存に効く。
var batchCmd = &cobra.Command{
	Use:   "batch FILE...",
	Short: "Save many files concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		saved, err := saveAll(cmd, a.service, args)
		for i, g := range saved {
			if g == nil {
				continue
			}
			if jsonOut {
				if err := printJSON(cmd, g); err != nil {
					return err
				}
				continue
			}
			status := "saved"
			if g.Enrichment != nil {
				status = "saved+enriched"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-15s %s  %s\n", status, g.ID, args[i])
		}
		return err
	},
}

// saveAll は各ファイルを保存し、引数と同じ順序で結果を返す。
// 1件の失敗で他のファイルは中断しない。
func saveAll(cmd *cobra.Command, svc *gems.Service, paths []string) ([]*gems.Gem, error) {
	results := make([]*gems.Gem, len(paths))
	failed := make([]error, len(paths))

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(batchConcurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			gem, err := gemFromFile(path)
			if err == nil {
				gem, err = svc.Save(ctx, gem)
			}
			if err != nil {
				logger.Warn("batch item failed", zap.String("path", path), zap.Error(err))
				failed[i] = err
				return nil
			}
			results[i] = gem
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	n := 0
	for _, err := range failed {
		if err != nil {
			n++
		}
	}
	if n > 0 {
		return results, fmt.Errorf("%d of %d files failed", n, len(paths))
	}
	return results, nil
}

func init() {
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "c", 4, "Files processed at once")
}
