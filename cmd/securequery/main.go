package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"securequery/internal/config"
	"securequery/internal/domain"
	"securequery/internal/embedding/local"
	openaiemb "securequery/internal/embedding/openai"
	"securequery/internal/llm"
	"securequery/internal/service"
	"securequery/internal/tui"
	"securequery/internal/vectorstore"
	"securequery/internal/vectorstore/memory"
	"securequery/internal/vectorstore/pgvector"
	"securequery/internal/vectorstore/qdrant"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, collection, sourceTypeName string
	var reset bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/securequery/config.yaml if not provided)")
	flag.StringVar(&collection, "collection", "default", "Collection to ingest into and query")
	flag.StringVar(&sourceTypeName, "type", "cloudaudit", "Source type of the ingested files: cloudaudit, json or text")
	flag.BoolVar(&reset, "reset", false, "Delete the collection before ingesting")
	flag.Parse()
	inputs := flag.Args()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	sourceType, err := domain.ParseSourceType(sourceTypeName)
	if err != nil {
		log.Fatalf("invalid -type: %v", err)
	}

	// Assemble components
	var emb domain.Embedder
	switch cfg.Embedder.Type {
	case "local", "":
		dimension := 0
		if cfg.Embedder.Local != nil {
			dimension = cfg.Embedder.Local.Dimension
		}
		emb = local.New(dimension)
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			log.Fatalf("openai embedder config missing")
		}
		client, err := openaiemb.NewClient(openaiemb.Config{
			BaseURL:   cfg.Embedder.OpenAI.BaseURL,
			APIKeyEnv: cfg.Embedder.OpenAI.APIKeyEnv,
			Model:     cfg.Embedder.OpenAI.Model,
			Timeout:   time.Duration(cfg.Embedder.OpenAI.TimeoutSecs) * time.Second,
		})
		if err != nil {
			log.Fatalf("openai embedder init failed: %v", err)
		}
		emb = client
	default:
		log.Fatalf("unknown embedder: %s", cfg.Embedder.Type)
	}

	var model domain.LanguageModel
	switch cfg.LLM.Type {
	case "openai", "":
		var lcfg config.OpenAILLMConfig
		if cfg.LLM.OpenAI != nil {
			lcfg = *cfg.LLM.OpenAI
		}
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:     lcfg.BaseURL,
			APIKeyEnv:   lcfg.APIKeyEnv,
			Model:       lcfg.Model,
			Temperature: lcfg.Temperature,
			Timeout:     time.Duration(lcfg.TimeoutSecs) * time.Second,
		})
		if err != nil {
			log.Fatalf("openai llm init failed: %v", err)
		}
		model = client
	case "gemini":
		var gcfg config.GeminiLLMConfig
		if cfg.LLM.Gemini != nil {
			gcfg = *cfg.LLM.Gemini
		}
		client, err := llm.NewGeminiClient(llm.GeminiConfig{
			APIKeyEnv: gcfg.APIKeyEnv,
			Model:     gcfg.Model,
			Timeout:   time.Duration(gcfg.TimeoutSecs) * time.Second,
		})
		if err != nil {
			log.Fatalf("gemini llm init failed: %v", err)
		}
		model = client
	default:
		log.Fatalf("unknown llm: %s", cfg.LLM.Type)
	}

	var store vectorstore.Store
	switch cfg.VectorStore.Type {
	case "memory", "":
		store = memory.NewStore()
	case "qdrant":
		if cfg.VectorStore.Qdrant == nil {
			log.Fatalf("qdrant config missing")
		}
		store = qdrant.NewStore(qdrant.Config{
			URL:     cfg.VectorStore.Qdrant.URL,
			APIKey:  cfg.VectorStore.Qdrant.APIKey,
			Prefix:  cfg.VectorStore.Qdrant.CollectionPrefix,
			Timeout: time.Duration(cfg.VectorStore.Qdrant.TimeoutSecs) * time.Second,
		})
	case "pgvector":
		if cfg.VectorStore.PgVector == nil {
			log.Fatalf("pgvector config missing")
		}
		dimension := cfg.VectorStore.PgVector.Dimension
		if dimension == 0 {
			dimension = emb.Dimension()
		}
		pg, err := pgvector.New(cfg.VectorStore.PgVector.DSN, dimension)
		if err != nil {
			log.Fatalf("pgvector init failed: %v", err)
		}
		defer pg.Close()
		store = pg
	default:
		log.Fatalf("unknown vector store: %s", cfg.VectorStore.Type)
	}

	svc := service.New(emb, store, model, service.Options{
		TopK:           cfg.Retrieval.TopK,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		Concurrency:    cfg.Ingest.Concurrency,
		EmbedBatchSize: cfg.Ingest.EmbedBatchSize,
		EmbedAttempts:  cfg.Ingest.EmbedAttempts,
		DisableDedupe:  cfg.Ingest.DisableDedupe,
	})

	ctx := context.Background()
	if reset {
		if err := svc.Reset(ctx, collection); err != nil {
			log.Fatalf("reset failed: %v", err)
		}
	}
	ingested, skipped := 0, 0
	for _, path := range inputs {
		content, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		report, err := svc.Ingest(ctx, collection, content, sourceType)
		if err != nil {
			log.Fatalf("ingest %s failed: %v", path, err)
		}
		for _, w := range report.Warnings {
			log.Printf("%s: %s", path, w)
		}
		ingested += report.RecordsIngested
		skipped += report.RecordsSkipped
	}

	total, err := svc.Count(ctx, collection)
	if err != nil {
		log.Fatalf("count failed: %v", err)
	}
	header := fmt.Sprintf("collection %q: %d records", collection, total)
	if len(inputs) > 0 {
		header += fmt.Sprintf(" (+%d ingested, %d skipped)", ingested, skipped)
	}

	opts := domain.QueryOptions{TopK: cfg.Retrieval.TopK, ScoreThreshold: cfg.Retrieval.ScoreThreshold}
	timeout := time.Duration(cfg.Retrieval.QueryTimeoutSecs) * time.Second
	m := tui.New(svc, collection, header, opts, timeout)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatal(err)
	}
}
