package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ShutdownTimeout bounds the graceful shutdown of servers run by Serve.
const ShutdownTimeout = 10 * time.Second

// Serve runs srv until ctx is done, then shuts it down gracefully.
// It returns nil after a graceful shutdown.
func Serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return wrapError(err, "failed serving on %s", srv.Addr)
	case <-ctx.Done():
	}

	log.Info("shutting down server", "addr", srv.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); nil != err {
		return wrapError(err, "failed shutting down server")
	}

	return nil
}
