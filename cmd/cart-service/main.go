package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	c "github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/config"
	"github.com/fjod/go_cart/cartsync/internal/httpapi"
	"github.com/fjod/go_cart/cartsync/internal/logger"
	"github.com/fjod/go_cart/cartsync/internal/poller"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	s "github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadService()
	log := logger.Setup("cart-service", cfgLevel(cfg))
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Error("failed to connect to MongoDB", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := mongoDB.Client().Disconnect(context.Background()); err != nil {
			log.Warn("mongo disconnect failed", "err", err)
		}
	}()
	if err := repository.CreateIndexes(ctx, mongoDB); err != nil {
		log.Error("failed to create indexes", "err", err)
		os.Exit(1)
	}
	repo := repository.NewMongoRepository(mongoDB)
	log.Info("connected to MongoDB", "database", cfg.MongoDBName)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis connection failed", "addr", cfg.RedisAddr, "err", err)
		os.Exit(1)
	}
	log.Info("redis ping succeeded", "addr", cfg.RedisAddr)

	service := s.NewCartService(repo, c.NewRedisCache(redisClient), log)

	checkout := poller.NewPoller(service, poller.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.CheckoutTopic,
		GroupID: cfg.ConsumerGroup,
	}, log)
	defer checkout.Close()
	go checkout.Run(ctx)

	if cfg.RabbitMQURI != "" {
		go poller.NewAMQPConsumer(service, cfg.RabbitMQURI, cfg.CheckoutQueue, log).Run(ctx)
	}

	handler := httpapi.NewCartHandler(service, cfg.RequestTimeout, log)
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		Auth:           httpapi.AuthConfig{Tokens: cfg.AuthTokens, JWTSecret: cfg.JWTSecret},
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
		Health: func(ctx context.Context) error {
			return errors.Join(
				mongoDB.Client().Ping(ctx, nil),
				redisClient.Ping(ctx).Err(),
			)
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("cart service listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down cart service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "err", err)
	}
	log.Info("cart service stopped")
}

func cfgLevel(cfg *config.ServiceConfig) string {
	if cfg == nil {
		return "info"
	}
	return cfg.LogLevel
}
