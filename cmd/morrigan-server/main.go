// Command morrigan-server runs the device/agent control-plane server. It
// wires config, logging, storage, and the HTTP/WebSocket surface through
// the lifecycle supervisor's Setup/Start/Stop sequence, then blocks until
// a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morrigan-hq/morrigan-server/internal/agentregistry"
	"github.com/morrigan-hq/morrigan-server/internal/component"
	"github.com/morrigan-hq/morrigan-server/internal/config"
	"github.com/morrigan-hq/morrigan-server/internal/datastore"
	"github.com/morrigan-hq/morrigan-server/internal/httpapi"
	"github.com/morrigan-hq/morrigan-server/internal/identity"
	"github.com/morrigan-hq/morrigan-server/internal/instance"
	"github.com/morrigan-hq/morrigan-server/internal/lifecycle"
	"github.com/morrigan-hq/morrigan-server/internal/logging"
	"github.com/morrigan-hq/morrigan-server/internal/model"
	"github.com/morrigan-hq/morrigan-server/internal/openapi"
	"github.com/morrigan-hq/morrigan-server/internal/plugins/agentplugin"
	"github.com/morrigan-hq/morrigan-server/internal/plugins/identityplugin"
	"github.com/morrigan-hq/morrigan-server/internal/session"
	"github.com/morrigan-hq/morrigan-server/internal/statestore"
	"github.com/morrigan-hq/morrigan-server/internal/token"
)

var version = "dev"

func main() {
	componentsFile := flag.String("components", "", "path to a components YAML override file")
	flag.Parse()

	cfg, err := config.Load(*componentsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Console: cfg.LoggerConsole, LogDir: cfg.LoggerLogDir, Level: cfg.LoggerLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseNameIsDefault() {
		log.Warn("database name left at its default; set MORRIGAN_DATABASE_DBNAME for production use", "name", cfg.DatabaseName)
	}

	instanceID := uuid.NewString()
	metricsRegistry := prometheus.NewRegistry()
	lifecycleMetrics, err := lifecycle.NewMetrics(metricsRegistry)
	if err != nil {
		log.Error("register lifecycle metrics", "error", err)
		os.Exit(1)
	}

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	var (
		stateStore *statestore.Store
		host       *component.Host
		reporter   *instance.Reporter
		currentDoc = newDocHolder()
	)

	sup := lifecycle.New(lifecycle.Dependencies{
		LoadSetup: func(ctx context.Context) error {
			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}
			ss, err := statestore.Open(filepath.Join(cfg.StateDir, "state.bolt"))
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			stateStore = ss
			return nil
		},

		OpenDataStore: func(ctx context.Context) (io.Closer, error) {
			dbPath := cfg.DatabaseConnectionString
			if dbPath == "" {
				dbPath = filepath.Join(cfg.StateDir, cfg.DatabaseName+".bolt")
			}
			ds, err := datastore.Open(dbPath)
			if err != nil {
				return nil, fmt.Errorf("open data store: %w", err)
			}

			tokens, err := token.New(ds.Collection("tokenRecords"), log.Logger, "morrigan", cfg.TokenRotationInterval)
			if err != nil {
				return nil, fmt.Errorf("start token service: %w", err)
			}

			providers := identity.NewRegistry(identity.PasswordProvider{})
			identitySvc := identity.New(ds, providers, tokens, cfg.OperatorTokenTTL, log.Logger)
			if err := identitySvc.Bootstrap(cfg.BootstrapPassword); err != nil {
				return nil, fmt.Errorf("bootstrap identities: %w", err)
			}

			agents := agentregistry.New(ds, tokens, cfg.AgentTokenTTL, log.Logger)

			serverInfo := model.RuntimeInfo{Version: version, Pid: os.Getpid()}
			host = component.New(root, stateStore, ds, serverInfo, baseURL(cfg), log.Logger)
			host.Register(identityplugin.New(), config.ComponentSpec{})
			host.Register(agentplugin.New(agents), config.ComponentSpec{})
			for name, spec := range cfg.Components {
				log.Warn("configured component has no registered implementation; skipping", "component", name, "module", spec.Module)
			}

			sessions := session.New(ds, agents, host, instanceID, cfg.HeartbeatInterval, log.Logger)
			httpapi.New(root, identitySvc, agents, sessions, tokens, currentDoc.get, log.Logger)

			componentNames := make([]string, 0, 2)
			componentNames = append(componentNames, "identity", "client")
			reporter = instance.New(ds, instanceID, componentNames, serverInfo, cfg.InstanceReportInterval, log.Logger)

			return ds, nil
		},

		StartHTTPListener: func(ctx context.Context) (io.Closer, error) {
			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("listen on %s: %w", addr, err)
			}
			srv := &http.Server{Handler: root}
			go func() {
				var serveErr error
				if cfg.HTTPSecure {
					serveErr = srv.ServeTLS(ln, cfg.CertPath, cfg.KeyPath)
				} else {
					serveErr = srv.Serve(ln)
				}
				if serveErr != nil && serveErr != http.ErrServerClosed {
					log.Error("http listener stopped", "error", serveErr)
				}
			}()
			return srv, nil
		},

		Components: componentHostAdapter{get: func() *component.Host { return host }},

		InstallOpenAPI: func(ctx context.Context) error {
			agg := openapi.New(&openapi3.Info{Title: "morrigan", Version: version})
			for name, fragment := range host.OpenAPIFragments() {
				agg.Add(name, "/api/"+name, fragment)
			}
			currentDoc.set(agg.Build())
			return nil
		},

		Reporter: reporterAdapter{get: func() *instance.Reporter { return reporter }},
	}, lifecycleMetrics)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	log.Info("server ready", "httpPort", cfg.HTTPPort, "instanceId", instanceID)

	<-ctx.Done()
	log.Info("shutdown signal received")
	if err := sup.Stop(context.Background(), "signal"); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("server stopped")
}

func baseURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.HTTPSecure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, cfg.HTTPPort)
}

// componentHostAdapter defers resolving the concrete *component.Host
// until the supervisor actually calls SetupAll/ShutdownAll, since the
// host itself is only constructed inside the OpenDataStore stage.
type componentHostAdapter struct {
	get func() *component.Host
}

func (a componentHostAdapter) SetupAll(ctx context.Context) map[string]error {
	return a.get().SetupAll(ctx)
}

func (a componentHostAdapter) ShutdownAll(ctx context.Context, reason string) map[string]error {
	return a.get().ShutdownAll(ctx, reason)
}

// reporterAdapter defers resolving the concrete *instance.Reporter the
// same way, since it is also constructed inside OpenDataStore.
type reporterAdapter struct {
	get func() *instance.Reporter
}

func (a reporterAdapter) Start() { a.get().Start() }

func (a reporterAdapter) Stop(reason string) error { return a.get().Stop(reason) }

// docHolder guards the aggregated OpenAPI document, rebuilt once after
// component setup completes and read on every /api-docs request.
type docHolder struct {
	mu  chan struct{}
	doc *openapi3.T
}

func newDocHolder() *docHolder {
	h := &docHolder{mu: make(chan struct{}, 1)}
	h.mu <- struct{}{}
	return h
}

func (h *docHolder) get() *openapi3.T {
	<-h.mu
	defer func() { h.mu <- struct{}{} }()
	return h.doc
}

func (h *docHolder) set(doc *openapi3.T) {
	<-h.mu
	h.doc = doc
	h.mu <- struct{}{}
}
