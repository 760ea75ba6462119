package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpHdlr "scribed/handler/http"
	"scribed/src/core/jobtrack"
	"scribed/src/infrastructure/bus"
	"scribed/src/infrastructure/dispatch"
	"scribed/src/storage/minioctrl"
	"scribed/src/storage/postgres/jobctrl"
	"scribed/src/storage/redis/activectrl"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription API server",
	Long:  `The serve command starts the HTTP server that accepts transcription jobs and streams updates to websocket clients.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	settingDefaultConfig()
}

func runServer(cmd *cobra.Command, args []string) error {
	wmLogger := watermill.NewStdLogger(false, false)

	// Initialize PostgreSQL connection
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.db"),
		viper.GetString("postgres.port"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	defer sqlDB.Close()

	jobService, err := jobctrl.NewJobService(db)
	if err != nil {
		return fmt.Errorf("failed to initialize job service: %v", err)
	}

	// Initialize Redis-backed active-job set
	redisClient := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %v", err)
	}
	defer redisClient.Close()
	activeSet := activectrl.NewActiveSetService(redisClient)

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

	// Task queue publisher (competing-consumer queues per class)
	queuePublisher, err := amqp.NewPublisher(
		amqp.NewDurableQueueConfig(viper.GetString("amqp.url")),
		wmLogger,
	)
	if err != nil {
		return fmt.Errorf("failed to create queue publisher: %v", err)
	}
	defer queuePublisher.Close()
	dispatcher := dispatch.NewDispatcher(queuePublisher, dispatch.DefaultConfig())

	// Fan-out subscriber for the shared update topic
	updateSubscriber, err := bus.NewAMQPSubscriber(
		viper.GetString("amqp.url"),
		viper.GetString("server.instance"),
		wmLogger,
	)
	if err != nil {
		return fmt.Errorf("failed to create update subscriber: %v", err)
	}
	defer updateSubscriber.Close()

	maxActiveAge, err := time.ParseDuration(viper.GetString("registry.max_active_age"))
	if err != nil {
		return fmt.Errorf("invalid registry.max_active_age: %v", err)
	}

	registry := jobtrack.NewRegistry(jobService, activeSet, dispatcher, maxActiveAge)
	manager, err := jobtrack.NewConnectionManager(
		bus.NewSubscriber(updateSubscriber),
		jobService,
		activeSet,
		registry,
		jobtrack.ManagerConfig{},
	)
	if err != nil {
		return fmt.Errorf("failed to initialize connection manager: %v", err)
	}
	defer manager.Shutdown()

	// Initialize handlers
	jobHandler, err := httpHdlr.NewJobHandler(registry, manager)
	if err != nil {
		return fmt.Errorf("failed to initialize job handler: %v", err)
	}
	audioHandler, err := httpHdlr.NewAudioHandler(
		minioService,
		viper.GetString("minio.audio_bucket"),
		viper.GetInt64("file.max_size_mb"),
		splitExtensions(viper.GetString("file.allowed_audio_extensions")),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize audio handler: %v", err)
	}

	// Setup gin router
	r := gin.Default()
	r.POST("/job/transcribe", jobHandler.Transcribe)
	r.GET("/job/status/:id", jobHandler.Status)
	r.GET("/job/read", jobHandler.List)
	r.GET("/job/ws/:id", jobHandler.Updates)
	r.POST("/audio/upload", audioHandler.Upload)
	r.POST("/audio/presign", audioHandler.Presign)

	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	timeout, err := time.ParseDuration(viper.GetString("server.shutdown_timeout"))
	if err != nil {
		log.Printf("Invalid shutdown timeout: %v, using default 5s", err)
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func splitExtensions(raw string) []string {
	parts := strings.Split(raw, ",")
	exts := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			exts = append(exts, trimmed)
		}
	}
	return exts
}
