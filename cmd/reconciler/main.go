package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openfund/payment-gateway/internal/config"
	gateway "github.com/openfund/payment-gateway/internal/gateways"
	"github.com/openfund/payment-gateway/internal/queue"
	"github.com/openfund/payment-gateway/internal/reconciler"
	"github.com/openfund/payment-gateway/internal/repository"
	"github.com/openfund/payment-gateway/internal/services"
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

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	paymentClient, err := gateway.NewPaymentClient(&gateway.Config{
		BaseURL: config.Get().ProcessorBaseUrl,
		Timeout: config.Get().ProcessorTimeout,
	})
	if err != nil {
		logger.Error("failed to create payment client", "error", err)
		return
	}

	artifactClient, err := gateway.NewArtifactClient(config.Get().ArtifactServiceUrl, config.Get().ArtifactTimeout)
	if err != nil {
		logger.Error("failed to create artifact client", "error", err)
		return
	}

	donationRepo := repository.NewDonationRepository(db)
	projectRepo := repository.NewProjectRepository(db)

	// Reconciled successes publish reward jobs on the same stream the API
	// uses, so a sweeper-settled donation still gets its artifact.
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

	idempotencyService := reconciler.NewIdempotencyService(redisAdap, reconciler.DefaultIdempotencyConfig())
	sweeper := reconciler.NewSweeper(
		donationRepo,
		paymentClient,
		paymentService,
		config.Get().SweepMinAge,
		config.Get().SweepBatchSize,
	)

	service := reconciler.NewService(redisAdap, sweeper)
	service.RegisterProcessor(reconciler.NewRewardProcessor(donationRepo, artifactClient, idempotencyService))

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start reconciler", "error", err)
		}
	}()

	select {
	case <-c:
		service.Stop()
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
