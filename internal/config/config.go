package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	minJWTSecretBytes = 32
	minBcryptCost     = 4
	maxBcryptCost     = 31
)

// OAuthClient holds the registered client credentials for one OAuth provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// Enabled reports whether the provider is configured.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != ""
}

// Config aggregates runtime configuration for the auth service.
type Config struct {
	Environment    string
	HTTPPort       int
	LogLevel       string
	AllowedOrigins []string
	AppURL         string

	DataStore   string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	JWTSecret []byte
	// JWTSecretGenerated is set when a development run got an ephemeral secret.
	JWTSecretGenerated bool

	Google OAuthClient
	GitHub OAuthClient

	BcryptCost         int
	OAuthTimeout       time.Duration
	RateLimitPerMinute int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix

	Notifier          string
	NATSURL           string
	NATSSubjectPrefix string
}

// Load reads configuration from environment variables with sensible defaults for local development.
func Load() (Config, error) {
	databaseURL, err := getEnvOrFile("DATABASE_URL", "/run/secrets/unifiedauth_database_url")
	if err != nil {
		return Config{}, err
	}
	mongoURI, err := getEnvOrFile("MONGODB_URI", "/run/secrets/unifiedauth_mongodb_uri")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := getEnvOrFile("JWT_SECRET", "/run/secrets/unifiedauth_jwt_secret")
	if err != nil {
		return Config{}, err
	}
	googleSecret, err := getEnvOrFile("AUTH_GOOGLE_CLIENT_SECRET", "/run/secrets/unifiedauth_google_client_secret")
	if err != nil {
		return Config{}, err
	}
	githubSecret, err := getEnvOrFile("AUTH_GITHUB_CLIENT_SECRET", "/run/secrets/unifiedauth_github_client_secret")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DatabaseURL: databaseURL,
		MongoURI:    mongoURI,
		MongoDB:     getEnv("MONGODB_DB", "unifiedauth"),
		DataStore:   strings.ToLower(getEnv("DATA_STORE", "memory")),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Google: OAuthClient{
			ClientID:     strings.TrimSpace(os.Getenv("AUTH_GOOGLE_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(googleSecret),
		},
		GitHub: OAuthClient{
			ClientID:     strings.TrimSpace(os.Getenv("AUTH_GITHUB_CLIENT_ID")),
			ClientSecret: strings.TrimSpace(githubSecret),
		},
		Notifier:          strings.ToLower(getEnv("NOTIFIER", "log")),
		NATSURL:           getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubjectPrefix: strings.Trim(getEnv("NATS_SUBJECT_PREFIX", "auth"), "."),
	}

	defaultEnv := "development"
	if cfg.Google.Enabled() || cfg.GitHub.Enabled() {
		defaultEnv = "production"
	}
	cfg.Environment = strings.ToLower(getEnv("APP_ENV", defaultEnv))

	portValue := getEnv("PORT", getEnv("HTTP_PORT", "8080"))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", portValue, err)
	}
	cfg.HTTPPort = port

	if cfg.BcryptCost, err = getInt("BCRYPT_COST", 12); err != nil {
		return Config{}, err
	}
	if cfg.BcryptCost < minBcryptCost || cfg.BcryptCost > maxBcryptCost {
		return Config{}, fmt.Errorf("BCRYPT_COST must be between %d and %d", minBcryptCost, maxBcryptCost)
	}
	if cfg.RateLimitPerMinute, err = getInt("AUTH_RATE_LIMIT_PER_MINUTE", 20); err != nil {
		return Config{}, err
	}
	if cfg.TrustedProxies, err = parsePrefixes(os.Getenv("TRUSTED_PROXIES")); err != nil {
		return Config{}, err
	}
	timeoutValue := getEnv("OAUTH_TIMEOUT", "10s")
	if cfg.OAuthTimeout, err = time.ParseDuration(timeoutValue); err != nil || cfg.OAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid OAUTH_TIMEOUT %q", timeoutValue)
	}

	switch cfg.DataStore {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATA_STORE is postgres but DATABASE_URL is not set")
		}
	case "mongo":
		if cfg.MongoURI == "" {
			return Config{}, fmt.Errorf("DATA_STORE is mongo but MONGODB_URI is not set")
		}
	default:
		return Config{}, fmt.Errorf("unsupported DATA_STORE %q", cfg.DataStore)
	}

	switch cfg.Notifier {
	case "log", "nats":
	default:
		return Config{}, fmt.Errorf("unsupported NOTIFIER %q", cfg.Notifier)
	}

	for name, client := range map[string]OAuthClient{"GOOGLE": cfg.Google, "GITHUB": cfg.GitHub} {
		if client.ClientID != "" && client.ClientSecret == "" {
			return Config{}, fmt.Errorf("AUTH_%s_CLIENT_SECRET is required when AUTH_%s_CLIENT_ID is set", name, name)
		}
	}

	origins := getEnv("ALLOWED_ORIGINS", "http://localhost:4200,http://localhost:8080")
	cfg.AllowedOrigins = parseCSV(origins)
	cfg.AppURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_URL")), "/")
	cfg.JWTSecret = []byte(strings.TrimSpace(jwtSecret))

	if cfg.IsDevelopment() {
		if cfg.AppURL == "" {
			cfg.AppURL = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
		}
		if len(cfg.JWTSecret) == 0 {
			secret := make([]byte, minJWTSecretBytes)
			if _, err := rand.Read(secret); err != nil {
				return Config{}, fmt.Errorf("config: generate development JWT secret: %w", err)
			}
			cfg.JWTSecret = secret
			cfg.JWTSecretGenerated = true
		}
		return cfg, nil
	}

	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, errors.New("ALLOWED_ORIGINS must define at least one origin outside development")
	}
	for _, origin := range cfg.AllowedOrigins {
		if strings.Contains(origin, "*") {
			return Config{}, errors.New("ALLOWED_ORIGINS cannot contain wildcard outside development")
		}
	}
	if cfg.AppURL == "" {
		return Config{}, errors.New("APP_URL is required outside development")
	}
	if len(cfg.JWTSecret) == 0 {
		return Config{}, errors.New("JWT_SECRET is required outside development")
	}
	if len(cfg.JWTSecret) < minJWTSecretBytes {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}

	return cfg, nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// UseInMemoryStore returns true if the in-memory repository should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

// IsDevelopment reports whether the service runs with development defaults.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return !c.IsDevelopment()
}

// CallbackURL returns the OAuth redirect URI registered for provider.
func (c Config) CallbackURL(provider string) string {
	return c.AppURL + "/api/auth/callback/" + provider
}

// ResetURL returns the page password reset links point at.
func (c Config) ResetURL() string {
	return c.AppURL + "/reset-password"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

// parsePrefixes reads a comma separated list of CIDRs or bare addresses.
func parsePrefixes(value string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range parseCSV(value) {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
