package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                   string
	Environment            string
	LogLevel               string
	PublicURL              string
	StoreDriver            string
	DatabasePath           string
	BoltPath               string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	DBQueryTimeout         time.Duration
	RedisURL               string
	RedisTLS               bool
	RedisUsername          string
	RedisPassword          Secret
	RedisTimeout           time.Duration
	LRUCacheSize           int
	Argon2Time             uint32
	Argon2Memory           uint32
	Argon2Parallelism      uint8
	HasherWorkerCount      int
	VerifyFloor            time.Duration
	Pepper                 Secret
	PepperFromKMS          bool
	CreateLimit            CreateLimitCfg
	ReadLimit              ReadLimitCfg
	MaxPasteSize           int64
	MaxExpiresIn           time.Duration
	IDLength               int
	TrustedProxies         []string
	MetricsUser            string
	MetricsPass            Secret
	ContextTimeout         time.Duration
	AllowedOrigins         []string
	IPHashRotationInterval time.Duration
	SealContent            bool
	KeyCacheTTL            time.Duration
	FinalizeWorkers        int
	FinalizeQueue          int
	FinalizeSync           bool
	StrictBurn             bool
	CleanupInterval        time.Duration
	RawMaxAge              time.Duration
}

type CreateLimitCfg struct {
	Max    int
	Window time.Duration
}

type ReadLimitCfg struct {
	RPM   int
	Burst int
}

// Load reads the process environment. A .env file in the working directory,
// when present, fills in variables that are not already set.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.PublicURL = strings.TrimRight(getEnv("PUBLIC_URL", ""), "/")
	c.StoreDriver = getEnv("STORE_DRIVER", "sqlite")
	c.DatabasePath = getEnv("DATABASE_PATH", "rawtext.db")
	c.BoltPath = getEnv("BOLT_PATH", "rawtext.bolt")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromKMS = getEnv("PEPPER_FROM_KMS", "false") == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.SealContent = getEnv("SEAL_CONTENT", "false") == "true"
	c.FinalizeSync = getEnv("FINALIZE_SYNC", "false") == "true"
	c.StrictBurn = getEnv("STRICT_BURN", "false") == "true"

	var err error
	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"DB_MAX_OPEN_CONNS", &c.DBMaxOpenConns, 100},
		{"DB_MAX_IDLE_CONNS", &c.DBMaxIdleConns, 10},
		{"LRU_CACHE_SIZE", &c.LRUCacheSize, 1000},
		{"HASHER_WORKER_COUNT", &c.HasherWorkerCount, 4},
		{"CREATE_LIMIT_MAX", &c.CreateLimit.Max, 30},
		{"READ_LIMIT_RPM", &c.ReadLimit.RPM, 600},
		{"READ_LIMIT_BURST", &c.ReadLimit.Burst, 60},
		{"ID_LENGTH", &c.IDLength, 10},
		{"FINALIZE_WORKERS", &c.FinalizeWorkers, 8},
		{"FINALIZE_QUEUE", &c.FinalizeQueue, 1024},
	}
	for _, v := range ints {
		if *v.dst, err = getInt(v.key, v.fallback); err != nil {
			return nil, err
		}
	}
	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"DB_QUERY_TIMEOUT", &c.DBQueryTimeout, 5 * time.Second},
		{"REDIS_TIMEOUT", &c.RedisTimeout, 2 * time.Second},
		{"VERIFY_FLOOR", &c.VerifyFloor, 0},
		{"CREATE_LIMIT_WINDOW", &c.CreateLimit.Window, time.Hour},
		{"MAX_EXPIRES_IN", &c.MaxExpiresIn, 0},
		{"CONTEXT_TIMEOUT", &c.ContextTimeout, 5 * time.Second},
		{"IP_HASH_ROTATION_INTERVAL", &c.IPHashRotationInterval, 24 * time.Hour},
		{"KEY_CACHE_TTL", &c.KeyCacheTTL, 10 * time.Minute},
		{"CLEANUP_INTERVAL", &c.CleanupInterval, 10 * time.Minute},
		{"RAW_MAX_AGE", &c.RawMaxAge, 120 * time.Second},
	}
	for _, v := range durations {
		if *v.dst, err = getDuration(v.key, v.fallback); err != nil {
			return nil, err
		}
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("PUBLIC_URL must be an absolute http(s) URL")
		}
	}
	switch c.StoreDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required")
		}
	case "bolt":
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or bolt, got %q", c.StoreDriver)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.Environment == "production" && c.RedisURL == "" {
		return errors.New("REDIS_URL is required in production")
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.CreateLimit.Max <= 0 {
		return errors.New("CREATE_LIMIT_MAX must be positive")
	}
	if c.CreateLimit.Window < time.Second || c.CreateLimit.Window%time.Second != 0 {
		return errors.New("CREATE_LIMIT_WINDOW must be a whole number of seconds")
	}
	if c.ReadLimit.RPM <= 0 || c.ReadLimit.Burst <= 0 {
		return errors.New("READ_LIMIT_RPM and READ_LIMIT_BURST must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxExpiresIn < 0 {
		return errors.New("MAX_EXPIRES_IN must not be negative")
	}
	if c.IDLength < 8 || c.IDLength > 32 {
		return errors.New("ID_LENGTH must be between 8 and 32")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if !c.PepperFromKMS && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS is false")
	}
	if c.IPHashRotationInterval < 15*time.Minute {
		return errors.New("IP_HASH_ROTATION_INTERVAL must be at least 15 minutes")
	}
	if c.SealContent && c.KeyCacheTTL < time.Minute {
		return errors.New("KEY_CACHE_TTL must be at least 1 minute")
	}
	if c.KeyCacheTTL > time.Hour {
		return errors.New("KEY_CACHE_TTL should not exceed 1 hour")
	}
	if c.FinalizeWorkers <= 0 || c.FinalizeQueue <= 0 {
		return errors.New("FINALIZE_WORKERS and FINALIZE_QUEUE must be positive")
	}
	if c.RawMaxAge < 0 {
		return errors.New("RAW_MAX_AGE must not be negative")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
