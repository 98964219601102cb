package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/auth"
	"github.com/dres-dev/DRES-sub000/internal/config"
	"github.com/dres-dev/DRES-sub000/internal/handlers"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/repository"
	"github.com/dres-dev/DRES-sub000/internal/run"
	"github.com/dres-dev/DRES-sub000/internal/websocket"
	"github.com/dres-dev/DRES-sub000/pkg/auditlog"
)

// App holds all application dependencies
type App struct {
	log      logger.Logger
	cfg      *config.Config
	handlers *handlers.Handlers
	registry *run.Registry
	repo     *repository.Repository
	server   *http.Server
}

// New creates and initializes a new application instance
func New(log logger.Logger, cfg *config.Config) (*App, error) {
	repo, err := repository.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var audit auditlog.Client
	if cfg.Audit.Endpoint != "" {
		audit = auditlog.NewHTTPClient(log, cfg.Audit.Endpoint)
	} else {
		audit = auditlog.NewLogClient(log)
	}

	hub := websocket.New(log)
	registry := run.NewRegistry(log, hub, run.RegistryOptions{
		SweepInterval: cfg.Loop.SweepInterval,
	})
	hub.SetRouter(registry)
	hub.Start()
	registry.Start()

	accounts := make([]auth.Account, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		roles := make([]run.Role, len(u.Roles))
		for j, role := range u.Roles {
			roles[j] = run.Role(strings.ToUpper(role))
		}
		accounts[i] = auth.Account{
			ID:       u.ID,
			Password: u.Password,
			Roles:    roles,
			TeamID:   u.Team,
		}
	}
	authn := auth.New(cfg.Auth.Secret, cfg.Auth.SessionTTL, accounts)

	loopOpts := run.Options{
		TickInterval:     cfg.Loop.TickInterval,
		ReadinessTimeout: cfg.Loop.ReadinessTimeout,
		EndGrace:         cfg.Loop.EndGrace,
		MaxLoopFailures:  cfg.Loop.MaxLoopFailures,
	}

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		ip := getPreferredIP(realNetworkProvider{})
		baseURL = fmt.Sprintf("http://%s%s", ip, cfg.Server.Addr)
	}

	h := handlers.New(log, registry, repo, authn, hub, audit, loopOpts, baseURL)

	return &App{
		log:      log,
		cfg:      cfg,
		handlers: h,
		registry: registry,
		repo:     repo,
	}, nil
}

// Router returns the configured HTTP router
func (a *App) Router() http.Handler {
	return a.handlers.Routes()
}

// Run starts the HTTP server and blocks until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Server starting", "addr", a.cfg.Server.Addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return a.Close()
	}
}

// Close performs graceful shutdown of app resources
func (a *App) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("HTTP shutdown failed", "error", err)
		}
	}
	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Registry shutdown failed", "error", err)
	}
	return a.repo.Close()
}

// networkInterface wraps net.Interface for testing
type networkInterface interface {
	Flags() net.Flags
	Addrs() ([]net.Addr, error)
}

// realInterface wraps a real net.Interface
type realInterface struct {
	iface net.Interface
}

func (r realInterface) Flags() net.Flags {
	return r.iface.Flags
}

func (r realInterface) Addrs() ([]net.Addr, error) {
	return r.iface.Addrs()
}

// networkProvider is an interface for getting network interfaces (for testing)
type networkProvider interface {
	Interfaces() ([]networkInterface, error)
}

// realNetworkProvider implements networkProvider using actual net package
type realNetworkProvider struct{}

func (realNetworkProvider) Interfaces() ([]networkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	result := make([]networkInterface, len(ifaces))
	for i, iface := range ifaces {
		result[i] = realInterface{iface: iface}
	}
	return result, nil
}

// getPreferredIP returns the best IP address for LAN access.
// Prefers private network addresses (192.168.x.x, 10.x.x.x, 172.16-31.x.x).
// Falls back to localhost if no suitable address is found.
func getPreferredIP(provider networkProvider) string {
	ifaces, err := provider.Interfaces()
	if err != nil {
		return "localhost"
	}

	var candidates []net.IP

	for _, iface := range ifaces {
		flags := iface.Flags()
		if flags&net.FlagUp == 0 || flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.To4() == nil {
				continue
			}
			if ip.IsLoopback() {
				continue
			}

			candidates = append(candidates, ip)
		}
	}

	for _, ip := range candidates {
		ipStr := ip.String()
		if strings.HasPrefix(ipStr, "192.168.") ||
			strings.HasPrefix(ipStr, "10.") ||
			isPrivate172(ip) {
			return ipStr
		}
	}

	if len(candidates) > 0 {
		return candidates[0].String()
	}

	return "localhost"
}

// isPrivate172 checks if IP is in 172.16.0.0/12 range
func isPrivate172(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31
	}
	return false
}
