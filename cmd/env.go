package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/health"
	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/pipeline"
	"github.com/clearscript-health/rxscan/internal/store"
	"github.com/clearscript-health/rxscan/internal/trace"
	"github.com/clearscript-health/rxscan/pkg/claude"
)

// pipelineEnv holds all initialized clients and the pipeline needed by the
// process/batch/serve/runs commands.
type pipelineEnv struct {
	Store    *store.SQLiteStore
	Pipeline *pipeline.Pipeline
	Gateway  *gateway.Gateway
	Prober   *health.Prober
	Sink     *trace.BufferedSink

	vocabPool *pgxpool.Pool // may be nil when running offline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Sink != nil {
		pe.Sink.Close()
	}
	if pe.vocabPool != nil {
		pe.vocabPool.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the model gateway, the knowledge resolver,
// and the pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Claude.Key == "" {
		return nil, eris.New("RXSCAN_CLAUDE_KEY is required")
	}

	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	sink := trace.NewBufferedSink(trace.LogSink{}, 1024)

	client := claude.NewClient(cfg.Claude.Key)
	gw := gateway.New(client, cfg.Claude, cfg.Gateway, sink)

	// Knowledge vocabulary: Postgres when configured, otherwise an empty
	// in-memory vocabulary so resolution degrades to the alias tier.
	var (
		vocab     knowledge.Vocabulary
		vocabPool *pgxpool.Pool
	)
	if cfg.Knowledge.DatabaseURL != "" {
		vocabPool, err = pgxpool.New(ctx, cfg.Knowledge.DatabaseURL)
		if err != nil {
			_ = st.Close()
			sink.Close()
			return nil, eris.Wrap(err, "connect knowledge store")
		}
		vocab = knowledge.NewPGVocabulary(vocabPool,
			time.Duration(cfg.Knowledge.QueryTimeoutSecs)*time.Second)
	} else {
		zap.L().Warn("RXSCAN_KNOWLEDGE_DATABASE_URL not set, vocabulary lookups disabled")
		vocab = knowledge.NewMemVocabulary(nil)
	}

	aliases, err := knowledge.LoadAliasFiles(cfg.Knowledge.AliasFiles)
	if err != nil {
		if vocabPool != nil {
			vocabPool.Close()
		}
		_ = st.Close()
		sink.Close()
		return nil, err
	}

	resolver := knowledge.NewResolver(vocab, aliases, knowledge.ResolverConfig{
		FuzzyFloor: cfg.Resolver.FuzzyFloor,
		FuzzyTopK:  cfg.Resolver.FuzzyTopK,
	})

	p := pipeline.New(gw, resolver, sink, st, pipeline.Config{
		Deadline:                time.Duration(cfg.Pipeline.DeadlineSecs) * time.Second,
		AcceptanceThreshold:     cfg.Resolver.AcceptanceThreshold,
		HallucinationSimilarity: cfg.Pipeline.HallucinationSimilarity,
		MaxTokens:               cfg.Claude.MaxTokens,
	})

	prober := health.NewProber(time.Duration(cfg.Health.CacheTTLSecs) * time.Second)
	prober.Register("model_gateway", func(ctx context.Context) error {
		_, err := gw.Complete(ctx, gateway.Request{
			Stage:     "health",
			Prompt:    "ping",
			System:    "Reply with the single word pong.",
			MaxTokens: 8,
		})
		return err
	})
	prober.Register("audit_store", st.Ping)
	if vocabPool != nil {
		prober.Register("knowledge_store", vocabPool.Ping)
	}

	return &pipelineEnv{
		Store:     st,
		Pipeline:  p,
		Gateway:   gw,
		Prober:    prober,
		Sink:      sink,
		vocabPool: vocabPool,
	}, nil
}
