package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/tumorscan/internal/engine"
	"github.com/example/tumorscan/internal/modelstore"
)

const (
	TransportProcess = "process"
	TransportGRPC    = "grpc"

	ProviderProcess = "process"
	ProviderOpenAI  = "openai"
)

// Config is the full runtime configuration, built once at startup and passed
// down explicitly.
type Config struct {
	Server    ServerConfig
	Model     ModelConfig
	Engine    EngineConfig
	Explainer ExplainerConfig
	Auth      AuthConfig
	Audit     AuditConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	LogLevel        string
}

type ModelConfig struct {
	Dir        string
	BaseName   string
	Extensions []string
}

type EngineConfig struct {
	Transport         string
	Python            string
	PredictorScript   string
	AnalysisScript    string
	Timeout           time.Duration
	OutputLimit       int
	ToleratedWarnings []string
	GRPCAddr          string
	BridgeAddr        string
}

type ExplainerConfig struct {
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type AuditConfig struct {
	DatabaseDSN string
}

type RateLimitConfig struct {
	RedisAddr         string
	RequestsPerMinute int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("MAX_BODY_BYTES", 25<<20)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("MODEL_DIR", "python/models")
	v.SetDefault("MODEL_BASENAME", "brain_tumor_model")
	v.SetDefault("MODEL_EXTENSIONS", strings.Join(modelstore.DefaultExtensions, ","))

	v.SetDefault("ENGINE_TRANSPORT", TransportProcess)
	v.SetDefault("ENGINE_PYTHON", "python")
	v.SetDefault("PREDICTOR_SCRIPT", "python/model_predictor.py")
	v.SetDefault("ANALYSIS_SCRIPT", "python/gpt_analysis.py")
	v.SetDefault("ENGINE_TIMEOUT", engine.DefaultTimeout.String())
	v.SetDefault("ENGINE_OUTPUT_LIMIT", engine.DefaultOutputLimit)
	v.SetDefault("ENGINE_TOLERATED_WARNINGS", strings.Join(engine.DefaultToleratedWarnings, ","))
	v.SetDefault("ENGINE_GRPC_ADDR", "localhost:50051")
	v.SetDefault("ENGINE_BRIDGE_ADDR", ":50051")

	v.SetDefault("EXPLANATION_PROVIDER", ProviderProcess)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1/")
	v.SetDefault("OPENAI_MAX_TOKENS", 1000)

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 0)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a Config from v after applying defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("HTTP_ADDR"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			MaxBodyBytes:    v.GetInt64("MAX_BODY_BYTES"),
			LogLevel:        v.GetString("LOG_LEVEL"),
		},
		Model: ModelConfig{
			Dir:        v.GetString("MODEL_DIR"),
			BaseName:   v.GetString("MODEL_BASENAME"),
			Extensions: normalizeExtensions(splitList(v.GetString("MODEL_EXTENSIONS"))),
		},
		Engine: EngineConfig{
			Transport:         strings.ToLower(v.GetString("ENGINE_TRANSPORT")),
			Python:            v.GetString("ENGINE_PYTHON"),
			PredictorScript:   v.GetString("PREDICTOR_SCRIPT"),
			AnalysisScript:    v.GetString("ANALYSIS_SCRIPT"),
			Timeout:           v.GetDuration("ENGINE_TIMEOUT"),
			OutputLimit:       v.GetInt("ENGINE_OUTPUT_LIMIT"),
			ToleratedWarnings: splitList(v.GetString("ENGINE_TOLERATED_WARNINGS")),
			GRPCAddr:          v.GetString("ENGINE_GRPC_ADDR"),
			BridgeAddr:        v.GetString("ENGINE_BRIDGE_ADDR"),
		},
		Explainer: ExplainerConfig{
			Provider:  strings.ToLower(v.GetString("EXPLANATION_PROVIDER")),
			APIKey:    strings.TrimSpace(v.GetString("OPENAI_API_KEY")),
			Model:     v.GetString("OPENAI_MODEL"),
			BaseURL:   v.GetString("OPENAI_BASE_URL"),
			MaxTokens: v.GetInt64("OPENAI_MAX_TOKENS"),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(v.GetString("JWT_SECRET")),
			JWTAudience: strings.TrimSpace(v.GetString("JWT_AUDIENCE")),
		},
		Audit: AuditConfig{
			DatabaseDSN: v.GetString("DATABASE_DSN"),
		},
		RateLimit: RateLimitConfig{
			RedisAddr:         v.GetString("REDIS_ADDR"),
			RequestsPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with. A missing OpenAI key
// is deliberately not an error here: it is reported per request.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Transport {
	case TransportProcess, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("ENGINE_TRANSPORT must be %q or %q, got %q", TransportProcess, TransportGRPC, c.Engine.Transport))
	}
	switch c.Explainer.Provider {
	case ProviderProcess, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("EXPLANATION_PROVIDER must be %q or %q, got %q", ProviderProcess, ProviderOpenAI, c.Explainer.Provider))
	}
	if len(c.Model.Extensions) == 0 {
		errs = append(errs, errors.New("MODEL_EXTENSIONS must list at least one extension"))
	}
	if c.Model.BaseName == "" {
		errs = append(errs, errors.New("MODEL_BASENAME is required"))
	}
	if c.Engine.Timeout <= 0 {
		errs = append(errs, errors.New("ENGINE_TIMEOUT must be positive"))
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must not be negative"))
	}
	return errors.Join(errs...)
}

// Locator returns the model locator described by the configuration.
func (c *Config) Locator() modelstore.Locator {
	return modelstore.Locator{
		Dir:        c.Model.Dir,
		BaseName:   c.Model.BaseName,
		Extensions: c.Model.Extensions,
		CreateDir:  true,
	}
}

// PredictorTransport runs the classification engine as a subprocess. Its
// stderr allow-list is the configured tolerated warnings.
func (c EngineConfig) PredictorTransport(logger *zap.Logger) *engine.ProcessTransport {
	return c.processTransport(c.PredictorScript, engine.WarningAllowList(c.ToleratedWarnings), logger)
}

// AnalysisTransport runs the explanation engine as a subprocess. Any nonzero
// exit from it is a failure.
func (c EngineConfig) AnalysisTransport(logger *zap.Logger) *engine.ProcessTransport {
	return c.processTransport(c.AnalysisScript, nil, logger)
}

func (c EngineConfig) processTransport(script string, allow engine.WarningAllowList, logger *zap.Logger) *engine.ProcessTransport {
	return engine.NewProcessTransport(
		engine.Command{Path: c.Python, Args: []string{"-u"}, Script: script},
		engine.WithTimeout(c.Timeout),
		engine.WithOutputLimit(c.OutputLimit),
		engine.WithToleratedWarnings(allow),
		engine.WithLogger(logger),
	)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	for i, ext := range exts {
		if !strings.HasPrefix(ext, ".") {
			exts[i] = "." + ext
		}
	}
	return exts
}
