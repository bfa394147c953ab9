package main

import (
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/openfund/payment-gateway/internal/config"
	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/handlers"
	"github.com/openfund/payment-gateway/internal/queue"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/internal/services"
	xhttp "github.com/openfund/payment-gateway/pkg/http"
	"github.com/openfund/payment-gateway/pkg/logger"
	"github.com/openfund/payment-gateway/pkg/pg"
	"github.com/openfund/payment-gateway/pkg/prom"
	"github.com/openfund/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	if config.Get().PromNamespace != "" {
		host, _ := os.Hostname()
		if err := prom.Create(host, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed to create metrics", "error", err)
		}
		if config.Get().AppDebugMetricsAddr != "" {
			go prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
		}
	}

	rewardQ, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating reward queue", "error", err)
		return
	}

	paymentClient, err := gateway.NewPaymentClient(&gateway.Config{
		BaseURL: config.Get().ProcessorBaseUrl,
		Timeout: config.Get().ProcessorTimeout,
	})
	if err != nil {
		logger.Error("failed creating payment client", "error", err)
		return
	}

	donationRepo := repository.NewDonationRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	withdrawalRepo := repository.NewWithdrawalRepository(db)

	// services
	paymentService := services.NewPaymentService(
		donationRepo,
		projectRepo,
		paymentClient,
		rewardQ,
		services.CallbackURLs{
			Success: config.Get().CallbackSuccessUrl,
			Fail:    config.Get().CallbackFailUrl,
			Cancel:  config.Get().CallbackCancelUrl,
			IPN:     config.Get().CallbackIPNUrl,
		},
		config.Get().Currency,
	)
	withdrawalService := services.NewWithdrawalService(withdrawalRepo, donationRepo, projectRepo)
	healthService := services.NewHealthService()

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService, handlers.ResultPages{
		Success: config.Get().ResultSuccessPageUrl,
		Failure: config.Get().ResultFailurePageUrl,
		Cancel:  config.Get().ResultCancelPageUrl,
	})
	withdrawalHandler := handlers.NewWithdrawalHandler(withdrawalService)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterWithdrawalRoutes(g, withdrawalHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
