package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vidlab-io/corpus-cli/internal/checkpoint"
	"github.com/vidlab-io/corpus-cli/internal/ledger"
	"github.com/vidlab-io/corpus-cli/internal/model"
	"github.com/vidlab-io/corpus-cli/internal/sink"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only run status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		led, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer led.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newStatusRouter(led, cfg.Run.OutputDir, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting status server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// statusHandler serves read-only run state from the ledger and the run
// directories. It never mutates anything.
type statusHandler struct {
	led       ledger.Ledger
	outputDir string
}

func newStatusRouter(led ledger.Ledger, outputDir string, origins []string) http.Handler {
	h := &statusHandler{led: led, outputDir: outputDir}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet},
		}))
	}

	r.Get("/health", h.health)
	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Get("/{runID}", h.getRun)
		r.Get("/{runID}/attempts", h.listAttempts)
		r.Get("/{runID}/checkpoint", h.getCheckpoint)
	})
	return r
}

func (h *statusHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *statusHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := ledger.RunFilter{Limit: 50}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = model.RunStatus(s)
	}

	runs, err := h.led.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []ledger.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *statusHandler) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !validRunID(runID) {
		writeError(w, http.StatusBadRequest, eris.New("invalid run id"))
		return
	}

	run, err := h.led.GetRun(r.Context(), runID)
	if err != nil || run == nil {
		// Fall back to the manifest: runs made with the ledger disabled
		// are still inspectable.
		m, merr := sink.ReadManifest(filepath.Join(h.outputDir, runID))
		if merr != nil {
			writeError(w, http.StatusNotFound, eris.New("run not found"))
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *statusHandler) listAttempts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !validRunID(runID) {
		writeError(w, http.StatusBadRequest, eris.New("invalid run id"))
		return
	}

	attempts, err := h.led.ListAttempts(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *statusHandler) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !validRunID(runID) {
		writeError(w, http.StatusBadRequest, eris.New("invalid run id"))
		return
	}

	cp, err := checkpoint.Load(filepath.Join(h.outputDir, runID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := map[string]map[string]checkpoint.Record{}
	for _, unit := range cp.Units() {
		out[unit] = cp.Snapshot(unit)
	}
	writeJSON(w, http.StatusOK, out)
}

var serveRunIDPattern = regexp.MustCompile(`^\d{8}T\d{6}Z$`)

func validRunID(id string) bool {
	return serveRunIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
