package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearscript-health/rxscan/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("http server listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handleHealth(env))
	r.Post("/prescriptions", handleProcess(env))
	r.Get("/prescriptions/{id}", handleGetRecord(env))

	return r
}

func handleHealth(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := env.Prober.Check(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// processRequest is the JSON body for POST /prescriptions. Multipart uploads
// with an "image" file part are also accepted.
type processRequest struct {
	ImageBase64 string `json:"image_base64"`
	MediaType   string `json:"media_type"`
	TranslateTo string `json:"translate_to"`
}

func handleProcess(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		image, mediaType, translateTo, err := decodeProcessRequest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		rec, err := env.Pipeline.Process(r.Context(), pipeline.ProcessRequest{
			Image:       image,
			MediaType:   mediaType,
			TranslateTo: translateTo,
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		// Synchronous contract: the terminal record is returned whatever its
		// status. Callers inspect status, not the HTTP code.
		writeJSON(w, http.StatusOK, rec)
	}
}

func decodeProcessRequest(r *http.Request) (image []byte, mediaType, translateTo string, err error) {
	if mt := r.Header.Get("Content-Type"); len(mt) >= 19 && mt[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", "", fmt.Errorf("parse multipart form: %w", err)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", "", fmt.Errorf("image file part required: %w", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", "", fmt.Errorf("read image part: %w", err)
		}
		return data, header.Header.Get("Content-Type"), r.FormValue("translate_to"), nil
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, "", "", fmt.Errorf("invalid request body: %w", err)
	}
	if req.ImageBase64 == "" {
		return nil, "", "", fmt.Errorf("image_base64 is required")
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return nil, "", "", fmt.Errorf("invalid image_base64: %w", err)
	}
	return data, req.MediaType, req.TranslateTo, nil
}

func handleGetRecord(env *pipelineEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := env.Store.GetRecord(r.Context(), id)
		if err != nil {
			zap.L().Error("get record failed", zap.String("id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
			return
		}
		if rec == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
