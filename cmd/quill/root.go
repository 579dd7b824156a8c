package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quillagent/quill/internal/agent/ai"
	"github.com/quillagent/quill/internal/agent/budget"
	"github.com/quillagent/quill/internal/agent/config"
	"github.com/quillagent/quill/internal/agent/guard"
	"github.com/quillagent/quill/internal/agent/history"
	"github.com/quillagent/quill/internal/agent/ingest"
	"github.com/quillagent/quill/internal/agent/orchestrator"
	"github.com/quillagent/quill/internal/agent/retrieval"
	"github.com/quillagent/quill/internal/agent/summarize"
	"github.com/quillagent/quill/internal/agent/tokens"
	"github.com/quillagent/quill/internal/agent/toolreg"
)

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "quill",
		Short: "Context-budgeted agent over your documentation and tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runREPL(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "quill.yaml", "config file path")
	cmd.AddCommand(ingestCmd(&configPath))
	return cmd
}

func ingestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Chunk, embed, and index documentation for retrieval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			paths := args
			if len(paths) == 0 {
				paths = cfg.Ingest.Paths
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths given and ingest.paths is empty")
			}

			embedder, cacheDB, err := buildEmbedder(cfg)
			if err != nil {
				return err
			}
			if cacheDB != nil {
				defer cacheDB.Close()
			}

			store, closeStore, err := openVectorStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			chunker := ingest.Chunker{
				MaxChars:     cfg.Ingest.ChunkSize,
				OverlapChars: cfg.Ingest.ChunkOverlap,
			}
			pipeline := ingest.NewPipeline(embedder, store, chunker)

			n, err := pipeline.Run(cmd.Context(), paths)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d chunks from %d path(s)\n", n, len(paths))
			return nil
		},
	}
}

func runREPL(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	counter := tokens.NewAccountant()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	convOpts := []history.Option{history.WithKeepRecent(cfg.KeepRecent)}
	if path := cfg.DatabasePath(); path != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		store, err := history.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		defer store.Close()
		convOpts = append(convOpts, history.WithStore(store))
	}
	conv := history.New(uuid.New().String(), counter, convOpts...)

	var tools orchestrator.Tools
	if cfg.MCPServerURL != "" {
		transport := toolreg.NewMCPTransport(cfg.MCPServerURL)
		defer transport.Close()
		tools = toolreg.New(transport, counter)
	} else {
		fmt.Println("[Quill] No MCP server configured, tools disabled")
		tools = noTools{}
	}

	var retriever orchestrator.Retriever
	if cfg.EmbedProvider == "ollama" || cfg.OpenAIAPIKey != "" {
		embedder, cacheDB, err := buildEmbedder(cfg)
		if err != nil {
			return err
		}
		if cacheDB != nil {
			defer cacheDB.Close()
		}
		store, closeStore, err := openVectorStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		retriever = retrieval.NewMiddleware(embedder, store, counter,
			retrieval.WithTopN(cfg.TopN))
	} else {
		fmt.Println("[Quill] No embedding backend available, retrieval disabled")
	}

	loop := orchestrator.New(orchestrator.Config{
		Provider:     provider,
		Conversation: conv,
		Allocator: budget.New(counter,
			budget.WithHistoryFraction(cfg.HistoryFraction),
			budget.WithRetrievalFraction(cfg.RetrievalFraction)),
		Tools:          tools,
		Retriever:      retriever,
		Summarizer:     summarize.New(provider),
		Guard:          guard.New(),
		Counter:        counter,
		Preamble:       cfg.Preamble,
		WindowTokens:   cfg.WindowTokens,
		ResponseTokens: cfg.ResponseTokens,
		MaxTurns:       cfg.MaxTurns,
	})

	if err := loop.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("quill ready (%s / %s). Type 'quit' to exit.\n", provider.ID(), cfg.Model)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(">>> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "quit" {
			return nil
		}

		fmt.Println("Processing Request...")
		answer, err := loop.RunTurn(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("Turn failed (%s): %v\n", loop.State(), err)
			continue
		}
		fmt.Printf("\n%s:\n%s\n\n", cfg.Model, answer)
	}
}

func buildProvider(cfg *config.Config) (ai.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return ai.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model), nil
	case "ollama":
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// buildEmbedder wires the configured embedding backend, adding the SQLite
// cache when a data directory is configured.
func buildEmbedder(cfg *config.Config) (retrieval.Embedder, *sql.DB, error) {
	var base retrieval.Embedder
	switch cfg.EmbedProvider {
	case "ollama":
		base = retrieval.NewOllamaEmbedder(cfg.OllamaBaseURL, cfg.EmbedModel)
	default:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("OPENAI_API_KEY is required for embeddings")
		}
		base = retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbedModel)
	}

	path := cfg.DatabasePath()
	if path == "" {
		return base, nil, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	cached, err := retrieval.NewCachedEmbedder(base, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return cached, db, nil
}

// openVectorStore returns the persistent index when a data directory is
// configured, an in-memory store otherwise.
func openVectorStore(cfg *config.Config) (retrieval.VectorStore, func(), error) {
	path := cfg.DatabasePath()
	if path == "" {
		return retrieval.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := retrieval.NewSQLiteVectorStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// noTools satisfies the loop when no MCP server is configured.
type noTools struct{}

func (noTools) Discover(context.Context) error { return nil }
func (noTools) Tools() []toolreg.Descriptor    { return nil }
func (noTools) SchemaTokens() int              { return 0 }
func (noTools) Dispatch(_ context.Context, name string, _ json.RawMessage) (string, error) {
	return "", &toolreg.ToolError{Kind: toolreg.ErrorNotFound, Name: name, Err: fmt.Errorf("no tool server configured")}
}
