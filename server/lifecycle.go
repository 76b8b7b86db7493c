package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/tasknet/errors"
	"github.com/teranos/tasknet/logger"
	"github.com/teranos/tasknet/sym"
)

// startBackgroundServices starts the pool, ticker, hub and broadcasters once
func (s *Server) startBackgroundServices() {
	s.startOnce.Do(func() {
		s.applyConfig(s.Config())

		s.pool.Start()
		if s.ticker != nil {
			s.ticker.Start()
			logger.AddPulseSymbol(s.logger).Infow("Pulse ticker started")
		}

		s.wg.Add(1)
		go s.runHub()
		s.startJobUpdateBroadcaster()

		if s.configWatcher != nil {
			s.configWatcher.OnReload(s.applyConfig)
			s.configWatcher.Start()
			s.logger.Infow("Config watcher started")
		}
	})
}

// Start listens on addr and serves until Stop. It returns nil after a
// graceful shutdown.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(listener)
}

// Serve starts background services and serves HTTP on listener until Stop
func (s *Server) Serve(listener net.Listener) error {
	s.startBackgroundServices()

	s.logger.Infow(sym.Pulse+" Server ready",
		logger.FieldAddress, listener.Addr().String(),
		"workers", s.pool.Workers())

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}

// Stop drains the server: HTTP stops accepting, running jobs get
// async.StopTimeout to finish, then every goroutine is awaited for at most
// ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Infow("Initiating server shutdown")
		s.setState(ServerStateDraining)

		if err := s.httpServer.Shutdown(ctx); err != nil {
			stopErr = errors.Wrap(err, "failed to shut down HTTP server")
		}

		// Stop producers before the hub goes away
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.logger.Infow("Stopping worker pool")
		s.pool.Stop()

		// Hub closes every client's send channel on its way out,
		// which makes each writePump send a close frame.
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Infow("All goroutines stopped cleanly")
		case <-time.After(ShutdownTimeout):
			s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
		case <-ctx.Done():
			s.logger.Warnw("Shutdown context expired before goroutines stopped", logger.FieldError, ctx.Err())
		}

		if s.configWatcher != nil {
			if err := s.configWatcher.Stop(); err != nil {
				s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
			}
		}

		s.setState(ServerStateStopped)
		s.logger.Infow("Server shutdown complete", "broadcast_drops", s.broadcastDrops.Load())
	})
	return stopErr
}
