package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/monitoring"
	"github.com/sells-group/docdex/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer e.Close()

		go e.Scheduler.Run(ctx)
		go e.Verify.Run(ctx)
		go e.Gapfill.Run(ctx)
		go e.Checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildMux(e.Router, e.Verify, e.Store, e.Collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// The parent context is already cancelled; give in-flight
			// requests their own drain window.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// resolver answers interactive lookups. Satisfied by router.Router.
type resolver interface {
	Resolve(ctx context.Context, q model.Query) (*model.Resolution, error)
}

// verdictGateway applies human verification answers. Satisfied by
// verify.Gateway.
type verdictGateway interface {
	SubmitVerdict(ctx context.Context, requestID string, accepted bool) (*model.KnowledgeAtom, error)
}

// requestStore covers the read and demand-signal endpoints.
type requestStore interface {
	GetRequest(ctx context.Context, id string) (*model.AcquisitionRequest, error)
	SetGapTickets(ctx context.Context, entityKey string, docType model.DocumentType, openTickets int64) error
}

// statsSource produces monitoring snapshots. Satisfied by
// monitoring.Collector.
type statsSource interface {
	Collect(ctx context.Context) (*monitoring.MetricsSnapshot, error)
}

func buildMux(res resolver, gw verdictGateway, st requestStore, stats statsSource) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/query", handleQuery(res))
		r.Post("/verifications/{requestID}", handleVerdict(gw))
		r.Get("/requests/{requestID}", handleGetRequest(st))
		r.Put("/gaps/{entityKey}/tickets", handleGapTickets(st))
		r.Get("/stats", handleStats(stats))
	})

	return r
}

func handleQuery(res resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q model.Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if model.EntityKey(q.EntityHint) == "" {
			writeError(w, http.StatusBadRequest, "entity_hint is required")
			return
		}
		if !model.ValidDocumentType(q.DocumentType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown document_type %q", q.DocumentType))
			return
		}

		resolution, err := res.Resolve(r.Context(), q)
		if err != nil {
			// Reads fail closed on store trouble; the caller learns
			// nothing rather than something stale.
			zap.L().Error("resolve failed", zap.String("entity_hint", q.EntityHint), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unknown"})
			return
		}

		if resolution.Decision == model.RouteSearchFresh {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":     "searching",
				"entity_key": resolution.EntityKey,
				"request_id": resolution.RequestID,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "cached",
			"decision":   resolution.Decision,
			"entity_key": resolution.EntityKey,
			"atom":       resolution.Atom,
		})
	}
}

func handleGetRequest(st requestStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "requestID")
		req, err := st.GetRequest(r.Context(), id)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "request not found")
				return
			}
			zap.L().Error("load request failed", zap.String("request_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "load request failed")
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func handleVerdict(gw verdictGateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "requestID")

		var body struct {
			Accepted *bool `json:"accepted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Accepted == nil {
			writeError(w, http.StatusBadRequest, "accepted is required")
			return
		}

		atom, err := gw.SubmitVerdict(r.Context(), id, *body.Accepted)
		if err != nil {
			switch {
			case eris.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "request not found")
			case eris.Is(err, store.ErrStatusConflict):
				writeError(w, http.StatusConflict, "request already settled")
			default:
				zap.L().Error("verdict failed", zap.String("request_id", id), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "verdict failed")
			}
			return
		}

		out := map[string]any{"request_id": id}
		if *body.Accepted {
			out["status"] = string(model.AcquisitionVerified)
			out["atom"] = atom
		} else {
			out["status"] = string(model.AcquisitionRejected)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGapTickets(st requestStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := url.PathUnescape(chi.URLParam(r, "entityKey"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid entity key")
			return
		}
		key := model.EntityKey(raw)
		if key == "" {
			writeError(w, http.StatusBadRequest, "entity key is required")
			return
		}

		var body struct {
			DocumentType model.DocumentType `json:"document_type"`
			OpenTickets  *int64             `json:"open_tickets"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OpenTickets == nil {
			writeError(w, http.StatusBadRequest, "open_tickets is required")
			return
		}
		if !model.ValidDocumentType(body.DocumentType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown document_type %q", body.DocumentType))
			return
		}
		if *body.OpenTickets < 0 {
			writeError(w, http.StatusBadRequest, "open_tickets must be >= 0")
			return
		}

		if err := st.SetGapTickets(r.Context(), key, body.DocumentType, *body.OpenTickets); err != nil {
			zap.L().Error("set gap tickets failed", zap.String("entity_key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "set gap tickets failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entity_key": key, "open_tickets": *body.OpenTickets})
	}
}

func handleStats(stats statsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := stats.Collect(r.Context())
		if err != nil {
			zap.L().Error("collect stats failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "collect stats failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
