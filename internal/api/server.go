package api

import (
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"webhookd/internal/config"
	"webhookd/internal/retention"
	"webhookd/internal/secrets"
	"webhookd/internal/store"
	"webhookd/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Box        *secrets.Box
	Dispatcher *webhooks.Dispatcher
	Sandbox    *webhooks.Sandbox
	Broker     EventBroker
	Cfg        config.Config
	Log        *logrus.Logger
}

// NewServer wires the engine. With no DATABASE_URL the in-memory store is
// used; with no REDIS_URL the in-process broker is used.
func NewServer(cfg config.Config, log *logrus.Logger) (*Server, error) {
	var s store.Store
	if cfg.DatabaseURL == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.WithError(err).Warn("migrations")
			}
		}
		s = sp
	}

	masterKey := cfg.MasterKey
	if masterKey == "" {
		masterKey = "dev-master-key"
		log.Warn("WEBHOOK_MASTER_KEY not set; using dev key, secrets are not safe at rest")
	}
	box, err := secrets.NewBox(masterKey)
	if err != nil {
		return nil, err
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis broker unavailable, using in-process broker")
			broker = NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = NewBroker()
	}

	exec := webhooks.NewExecutor(cfg.Outbound.RatePerHost, cfg.Outbound.Burst)
	return &Server{
		Store:      s,
		Box:        box,
		Dispatcher: webhooks.NewDispatcher(s, log),
		Sandbox:    webhooks.NewSandbox(s, exec, box),
		Broker:     broker,
		Cfg:        cfg,
		Log:        log,
	}, nil
}

// NewDeliveryScheduler creates the background retry scheduler sharing the
// server's store, secret box and broker.
func (s *Server) NewDeliveryScheduler() *webhooks.Scheduler {
	exec := webhooks.NewExecutor(s.Cfg.Outbound.RatePerHost, s.Cfg.Outbound.Burst)
	return webhooks.NewScheduler(s.Store, exec, s.Box, s.Broker, s.Cfg, s.Log)
}

// NewJanitor creates the ledger retention janitor.
func (s *Server) NewJanitor() *retention.Janitor {
	return retention.NewJanitor(s.Store, s.Cfg.Retention, s.Log)
}

// withOrg resolves the owning organization. Header-based for now; the
// management API's real authentication lives in front of this service.
func (s *Server) withOrg(r *http.Request) string {
	if org := r.Header.Get("X-Org-Id"); org != "" {
		return org
	}
	return "org_demo"
}
