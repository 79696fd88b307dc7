package app

import (
	"database/sql"
	"fmt"
	"strings"

	"inspectline/internal/config"
	"inspectline/internal/db"
	"inspectline/internal/engine"
	"inspectline/internal/metrics"
	"inspectline/internal/migrate"
)

// DefaultSiteID is used when neither a config file nor --site names one.
const DefaultSiteID = "default"

// Runtime is the opened workspace shared by CLI commands and the server.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Options selects the workspace and where its config comes from.
type Options struct {
	Workspace string
	// ConfigPath, when set, replaces the workspace inspectline.yml and must exist.
	ConfigPath string
	// SiteID overrides the site id from the config.
	SiteID string
}

func (o Options) load(required bool) (*config.Config, error) {
	if path := strings.TrimSpace(o.ConfigPath); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return cfg, nil
	}
	if required {
		return config.Load(o.Workspace)
	}
	return config.LoadOptional(o.Workspace)
}

// ResolveConfig reads the config file when present and falls back to the
// built-in defaults otherwise. A non-empty site override replaces the site id
// from the file.
func ResolveConfig(opts Options) (*config.Config, error) {
	cfg, err := opts.load(false)
	if err != nil {
		return nil, err
	}
	return applySite(cfg, opts.SiteID)
}

// ValidateConfig is ResolveConfig without the defaults fallback: the config
// file must exist and be valid.
func ValidateConfig(opts Options) (*config.Config, error) {
	cfg, err := opts.load(true)
	if err != nil {
		return nil, err
	}
	return applySite(cfg, opts.SiteID)
}

func applySite(cfg *config.Config, siteOverride string) (*config.Config, error) {
	siteOverride = strings.TrimSpace(siteOverride)
	if cfg == nil {
		siteID := siteOverride
		if siteID == "" {
			siteID = DefaultSiteID
		}
		cfg = config.Default(siteID)
	}
	if siteOverride != "" {
		cfg.Site.ID = siteOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open migrates the workspace database and builds an engine over it.
func Open(opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng.Metrics = metrics.New()
	return &Runtime{DB: conn, Config: cfg, Engine: eng}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
