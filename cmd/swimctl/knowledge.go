package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/storage"
)

func newKnowledgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage coaching reference material",
	}
	cmd.AddCommand(newKnowledgeImportCmd(a), newKnowledgeSearchCmd(a))
	return cmd
}

func newKnowledgeImportCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import knowledge chunks from a markdown or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			chunks, err := knowledge.ParseFile(args[0], f)
			if err != nil {
				return err
			}
			if dryRun {
				return printChunks(cmd, chunks)
			}

			svc, closeFn, err := a.knowledgeService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := svc.Import(cmd.Context(), chunks)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d chunks from %s\n", n, len(chunks), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and list chunks without storing them")
	return cmd
}

func newKnowledgeSearchCmd(a *app) *cobra.Command {
	var (
		stroke string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the snippets an analysis of the given stroke would receive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.StrokeType(stroke)
			if !st.Valid() {
				return fmt.Errorf("invalid stroke %q", stroke)
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			svc, closeFn, err := a.knowledgeService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			chunks, err := svc.Search(cmd.Context(), st, query, limit)
			if err != nil {
				return err
			}
			return printChunks(cmd, chunks)
		},
	}
	cmd.Flags().StringVarP(&stroke, "stroke", "s", string(model.StrokeFreestyle), "stroke to search for")
	cmd.Flags().IntVarP(&limit, "limit", "l", knowledge.MaxSnippets, "maximum results")
	return cmd
}

func printChunks(cmd *cobra.Command, chunks []model.KnowledgeChunk) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOPIC\tSUBTOPIC\tTITLE\tSOURCE")
	for _, c := range chunks {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Topic, c.Subtopic, c.Title, c.Source)
	}
	return tw.Flush()
}

// knowledgeService builds the same knowledge service the server runs.
// Chunks must live in Postgres for an import to outlast the process.
func (a *app) knowledgeService(ctx context.Context) (*knowledge.Service, func(), error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	db, ok := store.(*storage.DB)
	if !ok {
		_ = store.Close(ctx)
		return nil, nil, errors.New("knowledge commands need the postgres store (set SWIMCOACH_STORAGE_BACKEND=postgres)")
	}

	baseURL := ""
	if a.cfg.EmbeddingProvider == "ollama" {
		baseURL = a.cfg.OllamaURL
	}
	embedder := knowledge.NewEmbedder(knowledge.EmbedderConfig{
		Provider:   a.cfg.EmbeddingProvider,
		APIKey:     a.cfg.OpenAIAPIKey,
		BaseURL:    baseURL,
		Model:      a.cfg.EmbeddingModel,
		Dimensions: a.cfg.EmbeddingDimensions,
	})

	closeFn := func() { _ = db.Close(context.Background()) }
	var index knowledge.Index
	if a.cfg.QdrantURL != "" {
		q, err := knowledge.NewQdrantIndex(knowledge.QdrantConfig{
			URL:        a.cfg.QdrantURL,
			APIKey:     a.cfg.QdrantAPIKey,
			Collection: a.cfg.QdrantCollection,
			Dims:       uint64(a.cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, a.logger)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := q.EnsureCollection(ctx); err != nil {
			_ = q.Close()
			closeFn()
			return nil, nil, err
		}
		index = q
		closeFn = func() {
			_ = q.Close()
			_ = db.Close(context.Background())
		}
	}
	return knowledge.NewService(db, embedder, index, a.logger), closeFn, nil
}
