package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"scribed/src/core/transcribe"
	"scribed/src/infrastructure/bus"
	"scribed/src/infrastructure/dispatch"
	"scribed/src/infrastructure/integrations/whisperd"
	"scribed/src/storage/minioctrl"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the transcription worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	settingDefaultConfig()
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := watermill.NewStdLogger(false, false)

	// Fan-out publisher for job-update envelopes
	updatePublisher, err := bus.NewAMQPPublisher(viper.GetString("amqp.url"), logger)
	if err != nil {
		return fmt.Errorf("failed to create update publisher: %v", err)
	}
	defer updatePublisher.Close()
	updates := bus.NewPublisher(updatePublisher)

	// Competing-consumer subscriber for the class queues
	subscriberConfig := amqp.NewDurableQueueConfig(viper.GetString("amqp.url"))
	subscriberConfig.Consume.NoRequeueOnNack = true
	queueSubscriber, err := amqp.NewSubscriber(subscriberConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue subscriber: %v", err)
	}
	defer queueSubscriber.Close()

	// Initialize MinioService
	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize minio service: %v", err)
	}

	// Initialize transcription engine client
	engine := whisperd.NewClient(viper.GetString("whisperd.url"), &http.Client{})

	task := transcribe.NewTask(
		minioService,
		viper.GetString("minio.audio_bucket"),
		engine,
		updates,
	)

	// Initialize router
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return err
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
	)

	// One handler per queue class, each with its own stepped retry
	// policy; failures that exhaust retries publish a failed envelope.
	dispatch.RegisterWorkers(
		router,
		queueSubscriber,
		dispatch.DefaultConfig(),
		task.HandleTask,
		logger,
		transcribe.NotifyFailure(updates),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Println("Shutting down...")
	cancel()
	<-router.Running()
	log.Println("Router stopped")

	return nil
}
