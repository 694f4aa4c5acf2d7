package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // dead letter topic for exhausted deliveries
}

type Delivery struct {
	MaxAttempts     int           // default max attempts when a subscription has no override
	BaseDelay       time.Duration // backoff base; retry k waits BaseDelay * 2^(k-1)
	HTTPTimeout     time.Duration // per-attempt transport timeout
	PublishDLQ      bool          // publish exhausted deliveries to the NSQ DLQ topic
	SignatureHeader string
	TimestampHeader string
}

type Idempotency struct {
	TTL          time.Duration // record lifetime
	IncludeQuery bool          // include the query string in the request hash
}

type Auth struct {
	JWTPublicKeyPEM string // RSA public key; empty disables token auth
	JWTIssuer       string
	JWTAudience     string
	RequireTenant   bool // reject requests with no resolvable tenant
}

type Jobs struct {
	ReconcileEvery time.Duration // sweep for retrying deliveries whose next attempt never fired
	PurgeEvery     time.Duration // delete expired idempotency records
}

type Config struct {
	AppName     string
	HTTPPort    string // :8080
	DB          DB
	NSQ         NSQ
	Delivery    Delivery
	Idempotency Idempotency
	Auth        Auth
	Jobs        Jobs
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "hookrelay"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookrelay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
		},
		Delivery: Delivery{
			MaxAttempts:     getenvInt("DELIVERY_MAX_ATTEMPTS", 3),
			BaseDelay:       getenvDuration("DELIVERY_BASE_DELAY", 30*time.Second),
			HTTPTimeout:     getenvDuration("DELIVERY_HTTP_TIMEOUT", 15*time.Second),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			SignatureHeader: getenv("WEBHOOK_SIGNATURE_HEADER", "X-OpsWell-Signature"),
			TimestampHeader: getenv("WEBHOOK_TIMESTAMP_HEADER", "X-OpsWell-Timestamp"),
		},
		Idempotency: Idempotency{
			TTL:          getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			IncludeQuery: getenvBool("IDEMPOTENCY_INCLUDE_QUERY", false),
		},
		Auth: Auth{
			JWTPublicKeyPEM: getenv("AUTH_JWT_PUBLIC_KEY", ""),
			JWTIssuer:       getenv("AUTH_JWT_ISSUER", "opswell"),
			JWTAudience:     getenv("AUTH_JWT_AUDIENCE", "hookrelay"),
			RequireTenant:   getenvBool("AUTH_REQUIRE_TENANT", false),
		},
		Jobs: Jobs{
			ReconcileEvery: getenvDuration("RECONCILE_EVERY", time.Minute),
			PurgeEvery:     getenvDuration("PURGE_EVERY", 10*time.Minute),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
