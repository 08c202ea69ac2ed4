package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServiceConfig configures the account cart service.
type ServiceConfig struct {
	HTTPPort        string
	MongoURI        string
	MongoDBName     string
	RedisAddr       string
	RedisPassword   string
	KafkaBrokers    []string
	CheckoutTopic   string
	ConsumerGroup   string
	// RabbitMQURI, when set, also consumes checkout events from CheckoutQueue.
	RabbitMQURI     string
	CheckoutQueue   string
	// AuthTokens lists the bearer tokens the service accepts. With no tokens
	// and no JWTSecret any non-empty bearer token is accepted.
	AuthTokens      []string
	// JWTSecret, when set, also admits HS256 tokens signed with it.
	JWTSecret       string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
}

// ClientConfig configures the cart engine composition root.
type ClientConfig struct {
	RemoteBaseURL   string
	AccessToken     string
	GuestDBPath     string
	SessionPath     string
	RequestTimeout  time.Duration
	MergeAttempts   int
	ConfirmAttempts int
	LogLevel        string
}

// LoadEnv reads a .env file when present. A missing file is not an error:
// deployments set variables directly.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}
}

func LoadService() (*ServiceConfig, error) {
	LoadEnv()
	cfg := &ServiceConfig{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:     getEnv("MONGO_DB_NAME", "cartdb"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		CheckoutTopic:   getEnv("CHECKOUT_TOPIC", "checkout-outbox"),
		ConsumerGroup:   getEnv("KAFKA_GROUP_ID", "cart-service-consumer"),
		RabbitMQURI:     getEnv("RABBITMQ_URI", ""),
		CheckoutQueue:   getEnv("CHECKOUT_QUEUE", "checkout-completed"),
		AuthTokens:      splitList(getEnv("AUTH_TOKENS", "")),
		JWTSecret:       getEnv("AUTH_JWT_SECRET", ""),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

func (c *ServiceConfig) Validate() error {
	var missing []string
	if c.HTTPPort == "" {
		missing = append(missing, "HTTP_PORT")
	}
	if c.MongoURI == "" {
		missing = append(missing, "MONGO_URI")
	}
	if c.MongoDBName == "" {
		missing = append(missing, "MONGO_DB_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("environment variables not set: %v", missing)
	}
	return nil
}

func LoadClient() (*ClientConfig, error) {
	LoadEnv()
	cfg := &ClientConfig{
		RemoteBaseURL:   getEnv("CART_SERVICE_URL", "http://localhost:8080"),
		AccessToken:     getEnv("CART_ACCESS_TOKEN", ""),
		GuestDBPath:     getEnv("GUEST_DB_PATH", "./guest-cart.db"),
		SessionPath:     getEnv("SESSION_PATH", "./.cartsync-session"),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 5*time.Second),
		MergeAttempts:   getInt("MERGE_ATTEMPTS", 3),
		ConfirmAttempts: getInt("CONFIRM_ATTEMPTS", 3),
		LogLevel:        getEnv("LOG_LEVEL", "warn"),
	}
	return cfg, cfg.Validate()
}

func (c *ClientConfig) Validate() error {
	var missing []string
	if c.RemoteBaseURL == "" {
		missing = append(missing, "CART_SERVICE_URL")
	}
	if c.MergeAttempts < 1 {
		return fmt.Errorf("MERGE_ATTEMPTS must be at least 1, got %d", c.MergeAttempts)
	}
	if c.ConfirmAttempts < 1 {
		return fmt.Errorf("CONFIRM_ATTEMPTS must be at least 1, got %d", c.ConfirmAttempts)
	}
	if len(missing) > 0 {
		return fmt.Errorf("environment variables not set: %v", missing)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
		return defaultValue
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
