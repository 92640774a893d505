package internal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// shutdownTaskTimeout bounds how long shutdown tasks may run once a signal
// arrives. Kubernetes sends SIGTERM 30 seconds before killing the pod.
const shutdownTaskTimeout = 20 * time.Second

type GracefulShutdownHandler interface {
	Shutdown()          // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool // Reports whether a shutdown is in progress.
	Wait()              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit         chan os.Signal
	shuttingDown chan struct{}
	once         sync.Once
	wg           sync.WaitGroup
}

// NewGracefulShutdown traps SIGINT/SIGTERM and runs onShutdown (if not nil)
// before exiting. Tasks that outlive shutdownTaskTimeout force a non-zero
// exit so the supervisor restarts the process instead of hanging it.
func NewGracefulShutdown(onShutdown func() error) GracefulShutdownHandler {
	gs := &gracefulShutdown{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan struct{}),
	}
	gs.wg.Add(1)

	go func() {
		defer gs.wg.Done()
		signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-gs.quit
		gs.once.Do(func() { close(gs.shuttingDown) })
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())

		if onShutdown != nil {
			go func() {
				time.Sleep(shutdownTaskTimeout)
				zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", shutdownTaskTimeout)
				_ = zap.S().Sync()
				os.Exit(1)
			}()
			if err := onShutdown(); err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
				_ = zap.S().Sync()
				os.Exit(1)
			}
		}
		zap.S().Info("Shutdown tasks completed. Exiting.")
		_ = zap.S().Sync()
		os.Exit(0)
	}()

	return gs
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case <-gs.shuttingDown:
		return true
	default:
		return false
	}
}

func (gs *gracefulShutdown) Shutdown() {
	if !gs.ShuttingDown() {
		gs.quit <- syscall.SIGTERM
	}
}

func (gs *gracefulShutdown) Wait() {
	gs.wg.Wait()
}
