package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/config"
	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/entities"
	"github.com/openfroyo/grcsync/pkg/policy"
	"github.com/openfroyo/grcsync/pkg/stores"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// app is the runtime a command works against: the migrated database, the
// record stores, the admission validators and the reconciler.
type app struct {
	cfg        *config.AppConfig
	tel        *telemetry.Telemetry
	db         *stores.SQLiteStore
	registry   *engine.Registry
	schemas    *config.SchemaRegistry
	policies   *policy.Engine
	validators []engine.Validator
	reconciler *engine.Reconciler
	audit      *stores.AuditSink
	logger     zerolog.Logger
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if metricsListen != "" {
		cfg.Telemetry.Metrics.ListenAddress = metricsListen
	}
	switch {
	case logLevel != "":
		cfg.Telemetry.Logging.Level = logLevel
	case verbose:
		cfg.Telemetry.Logging.Level = "debug"
	case os.Getenv("LOG_LEVEL") != "":
		cfg.Telemetry.Logging.Level = os.Getenv("LOG_LEVEL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp builds the runtime and returns a context carrying its telemetry.
// The caller must Close the app.
func openApp(ctx context.Context) (*app, context.Context, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, ctx, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)

	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, ctx, err
	}
	a.subscribeEvents()
	return a, ctx, nil
}

// subscribeEvents logs every published event.
func (a *app) subscribeEvents() {
	a.tel.Events.Subscribe(telemetry.LogEvents(a.tel.Logger.NewComponentLogger("events")), nil)
}

// auditEvent writes one event to the audit table. Delivery may run on the
// publisher's goroutine, so it does not use a command context.
func (a *app) auditEvent(event telemetry.Event) {
	metadata := map[string]interface{}{
		"action":    event.Type,
		"org_id":    event.OrgID,
		"workspace": event.Workspace,
		"event_id":  event.ID,
		"source":    event.Source,
	}
	for k, v := range event.Data {
		metadata[k] = v
	}
	if err := a.audit.Record(context.Background(), event.Message, actor, metadata); err != nil {
		a.logger.Error().Err(err).Str("event_type", event.Type).Msg("Failed to audit event")
	}
}

func (a *app) open(ctx context.Context) error {
	db, err := stores.NewSQLiteStore(a.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := db.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database %s: %w", a.cfg.Database.Path, err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	kinds := entities.DefaultKinds()
	if a.cfg.KindsFile != "" {
		if kinds, err = entities.LoadKindsFile(a.cfg.KindsFile); err != nil {
			return err
		}
	}
	a.registry = entities.NewRegistry(db, a.logger, kinds...)
	a.validators = append(a.validators, entities.NewMappingValidator(a.registry))

	if a.cfg.Schemas.Enabled {
		a.schemas = config.NewSchemaRegistry(a.logger)
		if err := a.schemas.LoadSchemaFiles(a.cfg.Schemas.Paths); err != nil {
			return fmt.Errorf("failed to load schemas: %w", err)
		}
		a.validators = append(a.validators, a.schemas)
	}

	if a.cfg.Policy.Enabled {
		a.policies, err = policy.NewEngine(a.logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := a.policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		a.validators = append(a.validators, a.policies)
	}

	a.audit = stores.NewAuditSink(db)
	a.reconciler = engine.NewReconciler(a.registry, db, a.logger,
		engine.WithValidators(a.validators...),
		engine.WithAuditSink(a.audit),
		engine.WithLockTTL(a.cfg.Locks.DefaultTTL),
		engine.WithDriftOptions(a.cfg.DriftOptions()),
	)
	return nil
}

// Close flushes telemetry, then releases the database. Queued events are
// delivered first because the audit subscriber writes to the database.
func (a *app) Close() {
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// readDocument reads a declarative document; "-" reads stdin.
func readDocument(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}
