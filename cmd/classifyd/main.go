package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/kimseunghyun/examcls/internal/apply"
	"github.com/kimseunghyun/examcls/internal/batchjob"
	"github.com/kimseunghyun/examcls/internal/config"
	"github.com/kimseunghyun/examcls/internal/denseindex"
	"github.com/kimseunghyun/examcls/internal/engine"
	"github.com/kimseunghyun/examcls/internal/lexicalindex"
	"github.com/kimseunghyun/examcls/internal/llm"
	"github.com/kimseunghyun/examcls/internal/resultcache"
	"github.com/kimseunghyun/examcls/internal/store"
	"github.com/kimseunghyun/examcls/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("classifyd", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("embed_model", cfg.EmbedModel).Str("hyde_strategy", cfg.HydeStrategy).Msg("starting classifyd")

	ctx := context.Background()

	llmClient, err := newLLMClient(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create llm client: %v", err)
	}

	pgStore, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(ctx, cfg.EmbedDim); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	lexical, err := lexicalindex.Open(cfg.SQLiteFTSPath)
	if err != nil {
		log.Fatalf("failed to open lexical index: %v", err)
	}
	defer lexical.Close()

	embeds, err := denseindex.NewCachedEmbeddingStore(pgStore, 5000)
	if err != nil {
		log.Fatalf("failed to create embedding cache: %v", err)
	}

	cache := resultcache.New(cfg.ResultCachePath)

	eng := &engine.Engine{
		Lexical: lexical,
		Embeds:  embeds,
		LLM:     llmClient,
		Store:   pgStore,
		Cache:   cache,
	}

	runner := batchjob.NewRunner(eng, pgStore, logger, cfg.JobWorkers)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/classify/jobs", handleStartJob(runner, cfg))
	mux.HandleFunc("/classify/jobs/", handleJobRoutes(pgStore))

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Dur("dur", dur).Msg("http")
		})(mux),
	)

	addr := ":" + strconv.Itoa(cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}
	logger.Info().Str("addr", addr).Msg("classifyd listening")
	log.Fatal(server.ListenAndServe())
}

func newLLMClient(ctx context.Context, cfg config.Specification) (llm.Client, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return llm.NewStubClient(cfg.EmbedDim), nil
	}
	return llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:     cfg.GeminiAPIKey,
		EmbedModel: cfg.EmbedModel,
		Dim:        cfg.EmbedDim,
	})
}

type startJobRequest struct {
	QuestionIDs []int64            `json:"question_ids"`
	RequestMeta models.RequestMeta `json:"request_meta"`
}

func handleStartJob(runner *batchjob.Runner, cfg config.Specification) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req startJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.QuestionIDs) == 0 {
			http.Error(w, "question_ids is required", http.StatusBadRequest)
			return
		}

		jobID, err := runner.StartClassificationJob(r.Context(), req.QuestionIDs, req.RequestMeta, cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"job_id": jobID})
	}
}

type applyRequest struct {
	QuestionIDs []int64    `json:"question_ids"`
	ApplyMode   apply.Mode `json:"apply_mode"`
}

// handleJobRoutes serves GET /classify/jobs/{id} (status/payload) and
// POST /classify/jobs/{id}/apply (commit results).
func handleJobRoutes(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/classify/jobs/")
		rest = strings.Trim(rest, "/")
		parts := strings.Split(rest, "/")
		if len(parts) == 0 || parts[0] == "" {
			http.NotFound(w, r)
			return
		}

		jobID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)
			return
		}

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			job, err := st.GetJob(r.Context(), jobID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if job == nil {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(struct {
				*models.ClassificationJob
				Result models.ResultPayload `json:"result"`
			}{job, job.Result})

		case len(parts) == 2 && parts[1] == "apply" && r.Method == http.MethodPost:
			var req applyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
			summary, err := apply.ApplyClassificationResults(r.Context(), st, req.QuestionIDs, jobID, req.ApplyMode, time.Now())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(summary)

		default:
			http.NotFound(w, r)
		}
	}
}
