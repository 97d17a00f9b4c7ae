package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/duograde/duograde/infer"
	"github.com/duograde/duograde/infer/engine"
	"github.com/duograde/duograde/infer/server"
)

var (
	phasePort       int
	phaseModelKind  string
	phaseName       string
	phaseSeed       int64
	phaseQueueDepth int
)

var servePrefillCmd = &cobra.Command{
	Use:   "serve-prefill",
	Short: "Run a stub-backed prefill server",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, name, err := buildStubEngine()
		if err != nil {
			return err
		}
		srv := server.NewPrefillServer(eng, name, phaseQueueDepth)
		return runPhaseServer("prefill", srv.Handler())
	},
}

var serveDecodeCmd = &cobra.Command{
	Use:   "serve-decode",
	Short: "Run a stub-backed decode server",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, name, err := buildStubEngine()
		if err != nil {
			return err
		}
		srv := server.NewDecodeServer(eng, name, phaseQueueDepth)
		return runPhaseServer("decode", srv.Handler())
	},
}

func buildStubEngine() (engine.Engine, string, error) {
	kind := infer.ModelKind(phaseModelKind)
	if !kind.Valid() {
		return nil, "", configErr(fmt.Errorf("unknown model kind %q", phaseModelKind))
	}
	name := phaseName
	if name == "" {
		name = fmt.Sprintf("stub-%s", kind)
	}
	return engine.NewStubEngine(name, kind, phaseSeed), name, nil
}

func runPhaseServer(role string, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", phasePort)
	srv := &http.Server{Addr: addr, Handler: handler}
	logrus.Infof("%s server listening on %s (model kind %s)", role, addr, phaseModelKind)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fatalErr(err)
	}
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{servePrefillCmd, serveDecodeCmd} {
		cmd.Flags().IntVar(&phasePort, "port", 8001, "Listen port")
		cmd.Flags().StringVar(&phaseModelKind, "model-kind", string(infer.CodeAnalysis), "Model kind served (code_analysis or feedback)")
		cmd.Flags().StringVar(&phaseName, "name", "", "Display name reported by /health")
		cmd.Flags().Int64Var(&phaseSeed, "seed", 1, "Stub engine seed")
		cmd.Flags().IntVar(&phaseQueueDepth, "queue-depth", 0, "Bounded wait queue depth (0 = default)")
		rootCmd.AddCommand(cmd)
	}
}
