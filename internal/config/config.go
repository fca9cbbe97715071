// Package config loads application configuration from environment
// variables.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable.  The types reflect how the values are used
// in the application: strings for identifiers and secrets, durations for
// TTLs and intervals.
type Config struct {
	Env  string // application environment (e.g. "dev", "prod")
	Port string // HTTP port to listen on

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	JWTSecret string // secret used to verify access tokens

	GatewayBaseURL   string // payment gateway REST endpoint
	GatewayServerKey string // merchant server key, also signs webhook callbacks

	AMQPURL string // message broker URL (empty disables event publishing)

	TicketHoldTTL    time.Duration // how long a ticket reservation holds stock
	GuestlistHoldTTL time.Duration // how long a guestlist reservation holds stock
	PurchaseLockTTL  time.Duration // how long a payment intent's lock excludes competitors
	SweepInterval    time.Duration // pause between expiry sweeper passes

	IntentAttemptCapacity int           // purchase attempts allowed per holder before throttling
	IntentAttemptRefill   time.Duration // how often one attempt token refills
}

// Load reads configuration values from environment variables and returns
// a Config.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	return Config{
		Env:              must("APP_ENV"),
		Port:             must("APP_PORT"),
		DBUser:           must("DB_USER"),
		DBPass:           os.Getenv("DB_PASS"), // empty allowed
		DBHost:           must("DB_HOST"),
		DBPort:           must("DB_PORT"),
		DBName:           must("DB_NAME"),
		JWTSecret:        must("JWT_SECRET"),
		GatewayBaseURL:   must("GATEWAY_BASE_URL"),
		GatewayServerKey: must("GATEWAY_SERVER_KEY"),
		AMQPURL:          envStr("RABBITMQ_URL", envStr("AMQP_URL", "")),

		TicketHoldTTL:    envDur("TICKET_HOLD_TTL", 15*time.Minute),
		GuestlistHoldTTL: envDur("GUESTLIST_HOLD_TTL", 30*time.Minute),
		PurchaseLockTTL:  envDur("PURCHASE_LOCK_TTL", 20*time.Minute),
		SweepInterval:    envDur("SWEEP_INTERVAL", 30*time.Second),

		IntentAttemptCapacity: envInt("INTENT_ATTEMPT_CAPACITY", 10),
		IntentAttemptRefill:   envDur("INTENT_ATTEMPT_REFILL", time.Minute),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and
// exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
