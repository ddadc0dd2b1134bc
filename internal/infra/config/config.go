package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"transactor-client/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRANSACTOR_"

// KeyEnv names the passphrase used to decrypt "enc:" values.
const KeyEnv = EnvPrefix + "CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level client configuration.
type Config struct {
	Transactor TransactorConfig `yaml:"transactor"`
	HTTP       HTTPConfig       `yaml:"http"`
	KVS        KVSConfig        `yaml:"kvs"`
	Token      TokenConfig      `yaml:"token"`
	Journal    JournalConfig    `yaml:"journal"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// TransactorConfig selects the transactor and how to talk to it.
type TransactorConfig struct {
	URL       string `yaml:"url"`
	Workspace string `yaml:"workspace"`
	Token     string `yaml:"token"`
	Transport string `yaml:"transport"` // "ws" or "http"

	HelloTimeout      time.Duration `yaml:"hello_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	HangTimeout       time.Duration `yaml:"hang_timeout"`
	CloseOnHang       bool          `yaml:"close_on_hang"`
	BroadcastCapacity int           `yaml:"broadcast_capacity"`
	ReadLimit         int64         `yaml:"read_limit"`
	Binary            bool          `yaml:"binary"`
	Compression       bool          `yaml:"compression"`
}

// HTTPConfig tunes the shared retrying HTTP client.
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxElapsed        time.Duration `yaml:"max_elapsed"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
	Pool              PoolConfig    `yaml:"pool"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// KVSConfig holds key-value service settings.
type KVSConfig struct {
	URL        string        `yaml:"url"`
	Namespace  string        `yaml:"namespace"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// TokenConfig holds the service token signing settings.
type TokenConfig struct {
	Secret    string        `yaml:"secret"`
	Account   string        `yaml:"account"`
	Workspace string        `yaml:"workspace,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
}

// JournalConfig holds the local event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns $HOME/.transactor, or "./data" without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".transactor")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Transactor: TransactorConfig{
			Transport:         "ws",
			HelloTimeout:      10 * time.Second,
			PingInterval:      10 * time.Second,
			HangTimeout:       5 * time.Minute,
			CloseOnHang:       true,
			BroadcastCapacity: 128,
			ReadLimit:         32 << 20,
		},
		HTTP: HTTPConfig{
			Timeout:        30 * time.Second,
			MaxElapsed:     120 * time.Second,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Burst:          10,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		KVS: KVSConfig{
			MaxElapsed: 10 * time.Second,
		},
		Journal: JournalConfig{
			Path:          filepath.Join(defaultDataDir(), "journal.db"),
			Retention:     168 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("%w: read: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass picks up the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncluder(absPath).apply(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
		}

		// Second pass: the main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %w", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(KeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TRANSACTOR_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("URL", &cfg.Transactor.URL)
	str("WORKSPACE", &cfg.Transactor.Workspace)
	str("TOKEN", &cfg.Transactor.Token)
	str("TRANSPORT", &cfg.Transactor.Transport)
	dur("HELLO_TIMEOUT", &cfg.Transactor.HelloTimeout)
	dur("PING_INTERVAL", &cfg.Transactor.PingInterval)
	dur("HANG_TIMEOUT", &cfg.Transactor.HangTimeout)
	boolean("CLOSE_ON_HANG", &cfg.Transactor.CloseOnHang)
	boolean("BINARY", &cfg.Transactor.Binary)
	boolean("COMPRESSION", &cfg.Transactor.Compression)
	if v := os.Getenv(EnvPrefix + "BROADCAST_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Transactor.BroadcastCapacity = n
		}
	}

	dur("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	dur("HTTP_MAX_ELAPSED", &cfg.HTTP.MaxElapsed)
	if v := os.Getenv(EnvPrefix + "HTTP_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.HTTP.RequestsPerSecond = f
		}
	}

	str("KVS_URL", &cfg.KVS.URL)
	str("KVS_NAMESPACE", &cfg.KVS.Namespace)

	str("TOKEN_SECRET", &cfg.Token.Secret)
	str("TOKEN_ACCOUNT", &cfg.Token.Account)

	boolean("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_PATH", &cfg.Journal.Path)
	dur("JOURNAL_RETENTION", &cfg.Journal.Retention)

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// decryptSecrets replaces "enc:..." credentials with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name string
		ptr  *string
	}{
		{"transactor.token", &cfg.Transactor.Token},
		{"token.secret", &cfg.Token.Secret},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.ptr, encPrefix) {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.ptr, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.ptr = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is ready to paste after an "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
