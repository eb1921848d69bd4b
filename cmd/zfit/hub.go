package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/zfit/internal/comm"
)

var (
	hubSize int
	hubAddr string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve the collective hub for one distributed run",
	Long: `Serve the websocket hub that ranks of a distributed run connect to.

The hub exits once all --size ranks have connected and disconnected.`,
	RunE: serveHub,
}

func init() {
	hubCmd.Flags().IntVar(&hubSize, "size", 2, "number of ranks")
	hubCmd.Flags().StringVar(&hubAddr, "addr", ":9090", "listen address")
}

func serveHub(cmd *cobra.Command, args []string) error {
	hub, err := comm.NewHub(hubSize, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              hubAddr,
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", hubAddr).Int("size", hubSize).Msg("Hub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-hub.Done():
		log.Info().Msg("All ranks finished")
	case s := <-sig:
		log.Warn().Str("signal", s.String()).Msg("Hub interrupted")
	case err := <-errCh:
		return fmt.Errorf("hub server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
