package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/factory"
	"otp-auth-service/internal/gateway"
	"otp-auth-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, f); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
	util.Info("Server stopped")
}

func run(ctx context.Context, f *factory.Factory) error {
	cfg := f.Config()
	g, ctx := errgroup.WithContext(ctx)

	servers := apiServers(f, cfg)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error { return serve(srv) })
	}

	gw, listener := f.Gateway()
	if gw != nil {
		g.Go(func() error { return serveGateway(gw, f) })
		g.Go(func() error { return listener.Run(ctx) })
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", servers[0].Addr),
		util.Bool("gateway_enabled", gw != nil),
	)

	g.Go(func() error {
		<-ctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if gw != nil {
			if err := gw.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("gateway: %w", err))
			}
		}
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// apiServers returns the API server first. With AutoCert a plain HTTP server
// on :80 answers ACME challenges and redirects everything else.
func apiServers(f *factory.Factory, cfg *config.Config) []*http.Server {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled", util.Int("port", cfg.Server.Port))
		return []*http.Server{api}
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.GetTLSConfig()

	acme := tlsManager.GetAutocertManager()
	if acme == nil {
		return []*http.Server{api}
	}
	return []*http.Server{api, {
		Addr:              ":80",
		Handler:           acme.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func serve(srv *http.Server) error {
	var err error
	if srv.TLSConfig != nil {
		util.Info("Starting HTTPS server", util.String("address", srv.Addr))
		// certificates come from TLSConfig.GetCertificate
		err = srv.ListenAndServeTLS("", "")
	} else {
		util.Info("Starting HTTP server", util.String("address", srv.Addr))
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	}
	return nil
}

// serveGateway shares the API's certificates when TLS is enabled
func serveGateway(gw *gateway.Server, f *factory.Factory) error {
	addr := f.Config().GetGatewayAddress()

	var err error
	if tlsManager := f.TLSManager(); tlsManager != nil {
		tlsConfig := tlsManager.GetTLSConfig()
		// fasthttp speaks HTTP/1.1 only
		tlsConfig.NextProtos = []string{"http/1.1"}

		var ln net.Listener
		ln, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("gateway listen: %w", err)
		}
		err = gw.Serve(ln)
	} else {
		err = gw.Listen(addr)
	}
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
