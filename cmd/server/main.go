package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"trust-service/internal/config"
	"trust-service/internal/factory"
	"trust-service/internal/models"
	"trust-service/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := f.Start(ctx); err != nil {
		util.Fatal("Failed to start background jobs", util.ErrorField(err))
	}

	f.Audit().Append(ctx, models.AuditEvent{
		Type:     models.EventSystemStart,
		Severity: models.SeverityInfo,
		Actor:    "system",
		Outcome:  models.OutcomeSuccess,
		Details: map[string]any{
			"environment": cfg.Environment,
			"tls":         cfg.Server.EnableTLS,
		},
	})

	router := f.Router()

	var servers []*http.Server
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		httpsServer := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.TLSPort),
			Handler:      router,
			TLSConfig:    tlsManager.GetTLSConfig(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		// Plain HTTP answers ACME challenges and redirects everything else.
		httpServer := &http.Server{
			Addr:              cfg.GetServerAddress(),
			Handler:           tlsManager.ChallengeHandler(redirectToHTTPS(cfg.Server.TLSPort)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, httpsServer, httpServer)

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
		util.SafeGo("https-server", func() { serve(httpsServer, true) })
		util.SafeGo("http-redirect", func() { serve(httpServer, false) })
	} else {
		server := &http.Server{
			Addr:         cfg.GetServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}
		servers = append(servers, server)

		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		util.SafeGo("http-server", func() { serve(server, false) })
	}

	<-ctx.Done()
	util.Info("Received shutdown signal")
	waitForShutdown(servers...)
}

func serve(server *http.Server, useTLS bool) {
	var err error
	if useTLS {
		// Certificates come from TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed", util.String("address", server.Addr), util.ErrorField(err))
	}
}

func redirectToHTTPS(tlsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := fmt.Sprintf("https://%s:%d%s", host, tlsPort, r.URL.RequestURI())
		if tlsPort == 443 {
			target = fmt.Sprintf("https://%s%s", host, r.URL.RequestURI())
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

func waitForShutdown(servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
