package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/heyronith/kurral-sub012/internal/application"
	"github.com/heyronith/kurral-sub012/internal/domain"
)

func newProcessCmd(root *rootOptions) *cobra.Command {
	var (
		file         string
		quotedFile   string
		skipPrecheck bool
		skipScoring  bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one content item through the pipeline and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			item, err := readItem(file)
			if err != nil {
				return err
			}
			var quoted *domain.ContentItem
			if quotedFile != "" {
				q, err := readItem(quotedFile)
				if err != nil {
					return err
				}
				quoted = &q
			}

			comps, err := application.Build(cmd.Context(), cfg, application.BuildOptions{
				Registerer: prometheus.NewRegistry(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer comps.Close()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := comps.ConsumeLocal(cmd.Context()); err != nil {
					logger.Error("draining side effects", "error", err)
				}
			}()

			opts := cfg.Pipeline
			opts.SkipPrecheck = opts.SkipPrecheck || skipPrecheck
			opts.SkipValueScoring = opts.SkipValueScoring || skipScoring

			result, err := comps.Orchestrator.Process(cmd.Context(), item, quoted, opts)
			comps.CloseLocalQueue()
			wg.Wait()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "content item JSON file")
	cmd.Flags().StringVar(&quotedFile, "quoted", "", "JSON file of the item being replied to or quoted")
	cmd.Flags().BoolVar(&skipPrecheck, "skip-precheck", false, "skip the precheck stage")
	cmd.Flags().BoolVar(&skipScoring, "skip-scoring", false, "skip value scoring")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readItem(path string) (domain.ContentItem, error) {
	var item domain.ContentItem
	b, err := os.ReadFile(path)
	if err != nil {
		return item, fmt.Errorf("reading item: %w", err)
	}
	if err := json.Unmarshal(b, &item); err != nil {
		return item, fmt.Errorf("decoding item %s: %w", path, err)
	}
	return item, nil
}
