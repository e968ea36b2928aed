package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/pipeline"
	"github.com/sells-group/lead-enrich/internal/store"
	"github.com/sells-group/lead-enrich/internal/usage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, envOptions{Queue: true})
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Store, env.Orchestrator, env.Gate),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// leadReader is the store surface the API reads.
type leadReader interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	LatestScore(ctx context.Context, leadID string) (*model.ScoreRecord, error)
	GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error)
}

type leadResponse struct {
	Lead         *model.Lead               `json:"lead"`
	Score        *model.ScoreRecord        `json:"score"`
	WebsiteCheck *model.WebsiteCheckResult `json:"website_check"`
}

type usageResponse struct {
	Metric string `json:"metric"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
}

// buildRouter wires the operator API. It is split out from serveCmd so the
// routes can be driven through httptest.
func buildRouter(st leadReader, orch *pipeline.Orchestrator, gate *usage.Gate) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/leads/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		lead, err := st.GetLead(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "lead not found")
			return
		}
		if err != nil {
			zap.L().Error("get lead failed", zap.String("lead_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := leadResponse{Lead: lead}
		if resp.Score, err = st.LatestScore(r.Context(), id); err != nil {
			zap.L().Error("get score failed", zap.String("lead_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if resp.WebsiteCheck, err = st.GetWebsiteCheck(r.Context(), id); err != nil {
			zap.L().Error("get website check failed", zap.String("lead_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/leads/{id}/trigger", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := st.GetLead(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "lead not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		added, err := orch.Trigger(r.Context(), id)
		if err != nil {
			zap.L().Error("trigger failed", zap.String("lead_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "accepted",
			"lead_id": id,
			"deduped": !added,
		})
	})

	r.Get("/usage", func(w http.ResponseWriter, r *http.Request) {
		out := make([]usageResponse, 0, len(usage.Metrics))
		for _, m := range usage.Metrics {
			count, limit, err := gate.Usage(r.Context(), m)
			if err != nil {
				zap.L().Error("read usage failed", zap.String("metric", m), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			out = append(out, usageResponse{Metric: m, Count: count, Limit: limit})
		}
		writeJSON(w, http.StatusOK, out)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
