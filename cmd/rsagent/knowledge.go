package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"rsagent/internal/knowledge"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Add documents to the knowledge base",
		Long: `Ingests text files into the knowledge base. Directories are walked
recursively and only files with a known extension are read. A file that was
ingested before is replaced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if !a.cfg.Knowledge.Persist {
					logger.Warn("knowledge.persist is off; ingested documents are not saved")
				}
				total := 0
				for _, path := range args {
					info, err := os.Stat(path)
					if err != nil {
						return err
					}
					if info.IsDir() {
						n, err := a.knowledge.IngestDir(ctx, path, exts)
						total += n
						if err != nil {
							return err
						}
						continue
					}
					req, err := knowledge.ReadFile(path)
					if err != nil {
						return err
					}
					doc, err := a.knowledge.Ingest(ctx, req)
					if err != nil {
						return err
					}
					fmt.Printf("%s  %s  (%d chunks, %s)\n", doc.ID, doc.OriginURI, doc.ChunkCount, doc.Backend)
					total++
				}
				fmt.Printf("Ingested %d document(s)\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "file extensions to ingest from directories (default: .txt,.md,.markdown,.rst)")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <document-id|file>...",
		Short: "Remove documents from the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				for _, arg := range args {
					var err error
					if _, ok := a.knowledge.Document(arg); ok {
						err = a.knowledge.Remove(ctx, arg)
					} else {
						err = a.knowledge.RemoveByOrigin(ctx, knowledge.OriginForPath(arg))
					}
					if err != nil {
						return fmt.Errorf("remove %s: %w", arg, err)
					}
					fmt.Printf("Removed %s\n", arg)
				}
				return nil
			})
		},
	}
}

func documentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List documents in the knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				docs := a.knowledge.Documents()
				if len(docs) == 0 {
					fmt.Println("Knowledge base is empty.")
					return nil
				}
				for _, d := range docs {
					fmt.Printf("%s  %-7s %4d chunks  %s\n", d.ID, d.Backend, d.ChunkCount, d.OriginURI)
				}
				return nil
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		k    int
		docs []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the passages most relevant to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if k <= 0 {
					k = a.cfg.Knowledge.SearchTopK
				}
				results, err := a.retriever.Retrieve(ctx, strings.Join(args, " "), k, docs)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No matching passages.")
					return nil
				}
				for _, r := range results {
					fmt.Printf("#%d  %.4f  %s  [%s]\n", r.Rank, r.Score, r.OriginURI, r.Backend)
					fmt.Printf("    %s\n\n", truncate(r.Text, 240))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 0, "number of passages (default: knowledge.searchTopK)")
	cmd.Flags().StringSliceVar(&docs, "doc", nil, "restrict to these document IDs")
	return cmd
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every document with the active embedding model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				// re-rank the candidates so a preferred model that came back is used
				a.embedder.Reset()
				n, err := a.knowledge.Reindex(ctx)
				if err != nil {
					return err
				}
				st := a.knowledge.Stats()
				fmt.Printf("Reindexed %d document(s); backend=%s dense_chunks=%d/%d\n", n, st.Backend, st.DenseChunks, st.Chunks)
				return nil
			})
		},
	}
}

func scenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the simulation scenarios jobs can be submitted for",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				for _, s := range a.catalog.List() {
					fmt.Printf("%-20s %s\n", s.ID, s.Description)
					for _, f := range s.Fields {
						req := ""
						if f.Required {
							req = " (required)"
						}
						fmt.Printf("    %-16s %s%s\n", f.Name, f.Type, req)
					}
				}
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
