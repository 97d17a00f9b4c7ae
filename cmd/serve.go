package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duograde/duograde/grader"
	"github.com/duograde/duograde/infer"
)

var (
	serveConfigPath     string
	serveAddr           string
	serveRubricsDir     string
	serveSubmissionsDir string
	serveMaxTokens      int
	serveTemperature    float64
)

// gradeHTTPRequest is the body of POST /grade.
type gradeHTTPRequest struct {
	SubmissionRef string `json:"submission_ref"`
	RubricID      string `json:"rubric_id"`
	SolutionRef   string `json:"solution_ref,omitempty"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and grading pipeline behind POST /grade",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := infer.LoadConfig(serveConfigPath)
		if err != nil {
			return configErr(err)
		}

		collector := infer.NewCollector()
		orch, err := infer.NewOrchestrator(cfg, collector)
		if err != nil {
			return configErr(err)
		}
		defer orch.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Warm-up: probe everything once so the first request sees real
		// statuses, and refuse to start with no reachable servers.
		orch.ProbeAll(ctx)
		if allOffline(orch.Health()) {
			return &exitError{code: exitAllServersDown, err: fmt.Errorf("%w: no configured server responded at startup", infer.ErrAllServersDown)}
		}
		orch.Start(ctx)

		pipeline := grader.NewPipeline(orch, grader.PipelineConfig{
			Budget:      cfg.CallBudgetsMs.Pipeline(),
			MaxTokens:   serveMaxTokens,
			Temperature: serveTemperature,
		})

		mux := http.NewServeMux()
		mux.HandleFunc("POST /grade", handleGrade(pipeline))
		mux.HandleFunc("GET /healthz", handleHealthz(orch))
		mux.Handle("GET /metrics", collector.Handler())

		srv := &http.Server{Addr: serveAddr, Handler: mux}
		logrus.Infof("serving on %s (%d prefill, %d decode servers configured)",
			serveAddr, len(cfg.PrefillServers), len(cfg.DecodeServers))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if err := g.Wait(); err != nil {
			return fatalErr(err)
		}
		logrus.Info("shutdown complete")
		return nil
	},
}

func handleGrade(pipeline *grader.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		var req gradeHTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		logrus.Infof("grade request %s: submission=%s rubric=%s", requestID, req.SubmissionRef, req.RubricID)
		rubricPath, err := resolveDocument(serveRubricsDir, req.RubricID)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		rubric, err := grader.LoadRubric(rubricPath)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		subPath, err := resolveDocument(serveSubmissionsDir, req.SubmissionRef)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub, err := grader.LoadSubmission(subPath)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		var solution *grader.ParsedSubmission
		if req.SolutionRef != "" {
			solPath, err := resolveDocument(serveSubmissionsDir, req.SolutionRef)
			if err != nil {
				httpError(w, http.StatusBadRequest, err.Error())
				return
			}
			if solution, err = grader.LoadSubmission(solPath); err != nil {
				httpError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		result, err := pipeline.Grade(r.Context(), rubric, sub, solution)
		if err != nil {
			logrus.Warnf("grade request %s failed: %v", requestID, err)
			switch {
			case errors.Is(err, infer.ErrCancelled):
				httpError(w, 499, err.Error()) // client closed request
			case errors.Is(err, grader.ErrDeterministicUnavailable):
				httpError(w, http.StatusUnprocessableEntity, err.Error())
			default:
				httpError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type healthzEntry struct {
	Server string             `json:"server"`
	Kind   infer.ModelKind    `json:"model_kind"`
	Role   infer.ServerRole   `json:"role"`
	Status infer.HealthStatus `json:"status"`
}

func handleHealthz(orch *infer.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entries []healthzEntry
		for desc, status := range orch.Health() {
			entries = append(entries, healthzEntry{
				Server: desc.Name,
				Kind:   desc.Kind,
				Role:   desc.Role,
				Status: status,
			})
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func allOffline(health map[infer.ServerDescriptor]infer.HealthStatus) bool {
	for _, status := range health {
		if status.State != infer.StateOffline {
			return false
		}
	}
	return true
}

// resolveDocument maps a request-supplied reference onto a file inside
// dir, refusing path escapes.
func resolveDocument(dir, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty document reference")
	}
	path := filepath.Join(dir, filepath.Clean("/"+ref))
	for _, candidate := range []string{path, path + ".yaml", path + ".json"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("document %q not found under %s", ref, dir)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Debugf("write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, infer.ErrorResponse{Error: msg})
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the orchestrator config document")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address for the grading API")
	serveCmd.Flags().StringVar(&serveRubricsDir, "rubrics", "rubrics", "Directory holding rubric documents")
	serveCmd.Flags().StringVar(&serveSubmissionsDir, "submissions", "submissions", "Directory holding parsed submissions")
	serveCmd.Flags().IntVar(&serveMaxTokens, "max-tokens", 512, "Generation length for model calls")
	serveCmd.Flags().Float64Var(&serveTemperature, "temperature", 0.2, "Sampling temperature for model calls")
	_ = serveCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(serveCmd)
}
