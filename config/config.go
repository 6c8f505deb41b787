// Package config defines the paramify server configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// paramify.yaml, and PARAMIFY_* environment variables (PARAMIFY_SERVER_ADDR
// overrides server.addr).
package config

import (
	"fmt"
	"time"

	"github.com/paramify/insurance-engine/settlement"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Feed     FeedConfig     `yaml:"feed" mapstructure:"feed"`
	NATS     NATSConfig     `yaml:"nats" mapstructure:"nats"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`

	// AllowedOrigins feeds the CORS middleware. "*" allows any dashboard.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"min=1"`
}

// DatabaseConfig locates the SQLite file. ":memory:" keeps state in process.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// EngineConfig holds first-start state and policy rules.
type EngineConfig struct {
	// Deployer receives every role the first time the database is opened.
	Deployer string `yaml:"deployer" mapstructure:"deployer" validate:"required"`

	// InitialThreshold is stored on first start; later changes go through
	// SetThreshold and survive restarts.
	InitialThreshold string `yaml:"initial_threshold" mapstructure:"initial_threshold" validate:"required,positive_price"`

	PayoutAuthorization string `yaml:"payout_authorization" mapstructure:"payout_authorization" validate:"oneof=admin owner_or_admin"`
	AllowRepurchase     bool   `yaml:"allow_repurchase" mapstructure:"allow_repurchase"`
}

// FeedConfig configures the in-process flood-level feed.
type FeedConfig struct {
	InitialAnswer string `yaml:"initial_answer" mapstructure:"initial_answer" validate:"required,positive_price"`
	History       int    `yaml:"history" mapstructure:"history" validate:"gte=1"`
}

// NATSConfig enables outbound events. Empty URL disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Stream        string `yaml:"stream" mapstructure:"stream" validate:"required_with=URL"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix" validate:"required_with=URL"`
	Buffer        int    `yaml:"buffer" mapstructure:"buffer" validate:"gte=0"`
}

// Enabled reports whether events should be published.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Defaults are registered with viper so every key is known to AutomaticEnv.
var Defaults = map[string]any{
	"server.addr":                 ":8080",
	"server.read_timeout":         "15s",
	"server.write_timeout":        "15s",
	"server.shutdown_timeout":     "30s",
	"server.allowed_origins":      []string{"*"},
	"database.path":               "./data/paramify.db",
	"engine.deployer":             "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
	"engine.initial_threshold":    "3000",
	"engine.payout_authorization": "admin",
	"engine.allow_repurchase":     true,
	"feed.initial_answer":         "2000",
	"feed.history":                256,
	"nats.url":                    "",
	"nats.stream":                 "PARAMIFY_EVENTS",
	"nats.subject_prefix":         "paramify.events",
	"nats.buffer":                 1024,
	"log.level":                   "info",
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

// EngineOptions converts the engine section. Runtime collaborators (clock,
// logger, metrics, events) are filled in by the caller.
func (c *Config) EngineOptions() (settlement.Options, error) {
	deployer, err := settlement.ParsePrincipal(c.Engine.Deployer)
	if err != nil {
		return settlement.Options{}, fmt.Errorf("engine.deployer: %w", err)
	}
	threshold, err := settlement.ParsePrice(c.Engine.InitialThreshold)
	if err != nil {
		return settlement.Options{}, fmt.Errorf("engine.initial_threshold: %w", err)
	}
	auth, err := settlement.ParsePayoutAuthorization(c.Engine.PayoutAuthorization)
	if err != nil {
		return settlement.Options{}, fmt.Errorf("engine.payout_authorization: %w", err)
	}
	return settlement.Options{
		Deployer:            deployer,
		InitialThreshold:    threshold,
		PayoutAuthorization: auth,
		AllowRepurchase:     c.Engine.AllowRepurchase,
	}, nil
}

// InitialAnswer parses feed.initial_answer.
func (c *Config) InitialAnswer() (settlement.Price, error) {
	p, err := settlement.ParsePrice(c.Feed.InitialAnswer)
	if err != nil {
		return settlement.Price{}, fmt.Errorf("feed.initial_answer: %w", err)
	}
	return p, nil
}
