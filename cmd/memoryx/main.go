package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/t0ken-ai/memoryx/ai/embedding"
	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/ai/filter"
	"github.com/t0ken-ai/memoryx/ai/llm"
	"github.com/t0ken-ai/memoryx/graph"
	"github.com/t0ken-ai/memoryx/ingest"
	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/internal/version"
	"github.com/t0ken-ai/memoryx/retrieval"
	"github.com/t0ken-ai/memoryx/server"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/store/db"
	"github.com/t0ken-ai/memoryx/vector"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

var rootCmd = &cobra.Command{
	Use:   "memoryx",
	Short: `A persistent memory backend for AI agents. Capture conversations, reconcile facts, and retrieve them with hybrid graph search.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// .env is a local development convenience; process managers inject
		// real environment variables directly.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}
		storeInstance, err := store.New(dbDriver, instanceProfile)
		if err != nil {
			slog.Error("failed to create store", "error", err)
			return
		}
		defer storeInstance.Close()
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		index, err := vector.NewIndex(instanceProfile)
		if err != nil {
			slog.Error("failed to create vector index", "error", err)
			return
		}
		if err := index.EnsureCollection(ctx); err != nil {
			slog.Error("failed to ensure vector collection", "error", err)
			return
		}
		entityGraph, err := graph.NewGraph(instanceProfile)
		if err != nil {
			slog.Error("failed to create graph driver", "error", err)
			return
		}
		defer entityGraph.Close(ctx)

		rdb := redis.NewClient(&redis.Options{
			Addr:     instanceProfile.RedisAddr,
			Password: instanceProfile.RedisPassword,
			DB:       instanceProfile.RedisDB,
		})
		defer rdb.Close()
		queue := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     instanceProfile.RedisAddr,
			Password: instanceProfile.RedisPassword,
			DB:       instanceProfile.RedisDB,
		})
		defer queue.Close()

		llmService := llm.NewService(&llm.Config{
			APIKey:  instanceProfile.LLMAPIKey,
			BaseURL: instanceProfile.LLMBaseURL,
			Model:   instanceProfile.LLMModel,
			Timeout: instanceProfile.LLMTimeout,
		})
		embedder := embedding.NewProvider(&embedding.Config{
			APIKey:     instanceProfile.EmbeddingAPIKey,
			BaseURL:    instanceProfile.EmbeddingBaseURL,
			Model:      instanceProfile.EmbeddingModel,
			Dimensions: instanceProfile.VectorDimensions,
		})
		extractor := extract.NewExtractor(llmService, instanceProfile.LLMModel,
			extract.WithPrompts(instanceProfile.FactPrompt, instanceProfile.EntityPrompt, instanceProfile.SummaryPrompt))

		aggregator := ingest.NewAggregator(storeInstance, rdb, queue, int64(instanceProfile.FreeMemoryLimit))
		quota := retrieval.NewQuota(rdb, int64(instanceProfile.FreeSearchLimit))
		retriever := retrieval.NewRetriever(storeInstance, index, entityGraph, embedder, extractor, quota, retrieval.DefaultWeights())

		s := server.New(instanceProfile, storeInstance, aggregator, retriever, quota)

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			cancel()
		}()

		printGreetings(instanceProfile)
		if err := s.Start(ctx); err != nil {
			slog.Error("server stopped", "error", err)
		}
	},
}

// workerCmd runs the ingestion pipeline: the queue consumer that extracts
// and reconciles facts, plus the scheduled drift sweep and community
// rebuild. It shares nothing with the API process but the stores.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker and background jobs",
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}
		storeInstance, err := store.New(dbDriver, instanceProfile)
		if err != nil {
			slog.Error("failed to create store", "error", err)
			return
		}
		defer storeInstance.Close()

		index, err := vector.NewIndex(instanceProfile)
		if err != nil {
			slog.Error("failed to create vector index", "error", err)
			return
		}
		if err := index.EnsureCollection(ctx); err != nil {
			slog.Error("failed to ensure vector collection", "error", err)
			return
		}
		entityGraph, err := graph.NewGraph(instanceProfile)
		if err != nil {
			slog.Error("failed to create graph driver", "error", err)
			return
		}
		defer entityGraph.Close(ctx)

		llmService := llm.NewService(&llm.Config{
			APIKey:  instanceProfile.LLMAPIKey,
			BaseURL: instanceProfile.LLMBaseURL,
			Model:   instanceProfile.LLMModel,
			Timeout: instanceProfile.LLMTimeout,
		})
		llmService.Warmup(ctx)
		embedder := embedding.NewProvider(&embedding.Config{
			APIKey:     instanceProfile.EmbeddingAPIKey,
			BaseURL:    instanceProfile.EmbeddingBaseURL,
			Model:      instanceProfile.EmbeddingModel,
			Dimensions: instanceProfile.VectorDimensions,
		})
		extractor := extract.NewExtractor(llmService, instanceProfile.LLMModel,
			extract.WithPrompts(instanceProfile.FactPrompt, instanceProfile.EntityPrompt, instanceProfile.SummaryPrompt))
		judge := extract.NewJudge(llmService, instanceProfile.JudgeModel, instanceProfile.JudgePrompt)
		redactor := filter.NewRedactor()

		reconciler := ingest.NewReconciler(storeInstance, index, entityGraph, embedder, extractor, judge)
		worker := ingest.NewWorker(storeInstance, extractor, redactor, reconciler)

		sweeper := ingest.NewSweeper(storeInstance, index, embedder)
		communities := ingest.NewCommunityJob(storeInstance, entityGraph)
		scheduler, err := ingest.NewScheduler(instanceProfile, sweeper, communities)
		if err != nil {
			slog.Error("failed to create scheduler", "error", err)
			return
		}
		scheduler.Start()
		defer scheduler.Stop()

		queueServer := ingest.NewServer(instanceProfile)
		if err := queueServer.Start(worker.Mux()); err != nil {
			slog.Error("failed to start queue server", "error", err)
			return
		}
		slog.Info("worker started", "concurrency", instanceProfile.WorkerCount)

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		<-c
		queueServer.Shutdown()
	},
}

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:    viper.GetString("mode"),
		Addr:    viper.GetString("addr"),
		Port:    viper.GetInt("port"),
		DSN:     viper.GetString("dsn"),
		Version: version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		panic(err)
	}
	return instanceProfile
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (postgres://...)")

	for _, flag := range []string{"mode", "addr", "port", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("memoryx")
	viper.AutomaticEnv()

	rootCmd.AddCommand(workerCmd)
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("MemoryX %s started successfully!\n", profile.Version)
	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Mode: %s\n", profile.Mode)
	fmt.Printf("Listening on: http://%s\n", profile.ListenAddr())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
