package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skillxchange/trustforge/internal/auth"
	"github.com/skillxchange/trustforge/internal/catalog"
	"github.com/skillxchange/trustforge/internal/circuitbreaker"
	"github.com/skillxchange/trustforge/internal/config"
	"github.com/skillxchange/trustforge/internal/escrow"
	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/health"
	"github.com/skillxchange/trustforge/internal/identity"
	"github.com/skillxchange/trustforge/internal/ledger"
	"github.com/skillxchange/trustforge/internal/realtime"
	"github.com/skillxchange/trustforge/internal/reputation"
)

// Relay tick when no settle hook fires; the hook covers the common case.
const relayInterval = 10 * time.Second

// initStorage picks Postgres when DATABASE_URL is set, otherwise in-memory
// stores. Schema comes from cmd/migrate.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.authMgr = auth.NewManager(auth.NewMemoryStore(), s.logger)
		s.catalog = catalog.NewService(catalog.NewMemoryStore())
		s.escrowStore = escrow.NewMemoryStore()
		s.transferDB = ledger.NewMemoryStore()
		s.repStore = reputation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.authMgr = auth.NewManager(auth.NewPostgresStore(db), s.logger)
	s.catalog = catalog.NewService(catalog.NewPostgresStore(db))
	s.escrowStore = escrow.NewPostgresStore(db)
	s.transferDB = ledger.NewPostgresStore(db)
	s.repStore = reputation.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initLedger builds the configured rail and the adapter around it.
func (s *Server) initLedger() error {
	if s.rail == nil {
		switch s.cfg.LedgerRail {
		case config.RailEVM:
			r, err := ledger.DialEVMRail(s.cfg.RPCURL, s.cfg.ChainID)
			if err != nil {
				return fmt.Errorf("failed to dial evm rail: %w", err)
			}
			s.rail = r
		case config.RailStripe:
			r := ledger.NewStripeRail(s.cfg.StripeKey, s.cfg.StripeCurrency, s.cfg.StripeHookKey)
			s.rail = r
			s.stripeHooks = r
		default:
			s.rail = ledger.NewMemoryRail(false)
			s.logger.Warn("using simulated ledger rail; payments always succeed")
		}
	}

	s.transfers = ledger.NewAdapter(s.rail, s.transferDB,
		ledger.WithTimeout(s.cfg.RailTimeout),
		ledger.WithRateLimit(s.cfg.RailRPS, max(1, int(2*s.cfg.RailRPS))),
		ledger.WithRetry(s.cfg.RailAttempts, 200*time.Millisecond),
		ledger.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		ledger.WithLogger(s.logger),
	)
	s.poller = ledger.NewPoller(s.transfers, s.transferDB, s.cfg.PollInterval, s.logger)
	s.logger.Info("ledger rail configured", "rail", s.rail.Name())
	return nil
}

// initIdentities resolves identities from reputation facts and operator
// verification, cached in Redis when one is reachable.
func (s *Server) initIdentities(ctx context.Context) {
	dir := identity.NewDirectory(reputation.NewFactProvider(s.repStore), s.authMgr, s.cfg.IdentityTimeout, s.logger)
	s.identities = dir

	if s.cfg.RedisURL == "" {
		return
	}
	if client := identity.NewRedisClient(ctx, s.cfg.RedisURL, s.logger); client != nil {
		s.redis = client
		s.identities = identity.NewCachedResolver(dir, identity.NewRedisCache(client), s.cfg.IdentityCacheTTL, s.logger)
		s.logger.Info("identity cache enabled", "ttl", s.cfg.IdentityCacheTTL)
	}
}

// initEvents connects the settle stream to the credential issuer: through
// RabbitMQ when configured, in process otherwise.
func (s *Server) initEvents() {
	s.issuer = reputation.NewIssuer(s.repStore, nil, s.logger)
	s.rescorer = reputation.NewWorker(s.repStore, nil, s.cfg.RescoreInterval, s.logger)

	if s.cfg.RabbitMQURL != "" {
		s.amqpPub = events.NewAMQPPublisher(s.cfg.RabbitMQURL, s.cfg.SettleQueue, s.logger)
		s.amqpConsumer = events.NewAMQPConsumer(s.cfg.RabbitMQURL, s.cfg.SettleQueue, s.logger)
		s.logger.Info("settle events via rabbitmq", "queue", s.cfg.SettleQueue)
		return
	}
	s.bus = events.NewMemoryBus(s.logger)
	s.bus.Subscribe("reputation", s.issuer.Handle)
	s.logger.Info("settle events in process")
}

func (s *Server) settlePublisher() events.Publisher {
	if s.amqpPub != nil {
		return s.amqpPub
	}
	return s.bus
}

// initEscrow assembles the session coordinator and its background loops.
func (s *Server) initEscrow() {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.relay = escrow.NewRelay(s.escrowStore, s.settlePublisher(), relayInterval, s.logger)

	s.escrowService = escrow.NewService(s.escrowStore, s.catalog, s.transfers).
		WithPaymentWindow(s.cfg.PaymentWindow).
		WithNotifier(s.realtimeHub).
		WithSettleHook(s.relay.Kick).
		WithLogger(s.logger)
	s.transfers.OnTransferResult(s.escrowService.HandleTransferResult)
	s.escrowTimer = escrow.NewTimer(s.escrowService, s.escrowStore, s.cfg.SweepInterval, s.logger)
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.RegisterPing("database", s.db.PingContext)
	}
	s.health.RegisterLoop("ledger_poller", s.poller.Running)
	s.health.RegisterLoop("session_timer", s.escrowTimer.Running)
	s.health.RegisterLoop("settle_relay", s.relay.Running)
	s.health.RegisterLoop("reputation_worker", s.rescorer.Running)
}
