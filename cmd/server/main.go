package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"stopsign-monitor-go/internal/announcer"
	"stopsign-monitor-go/internal/client"
	"stopsign-monitor-go/internal/config"
	"stopsign-monitor-go/internal/database"
	"stopsign-monitor-go/internal/drive"
	"stopsign-monitor-go/internal/geo"
	"stopsign-monitor-go/internal/grpcapi"
	"stopsign-monitor-go/internal/handler"
	"stopsign-monitor-go/internal/pipeline"
	"stopsign-monitor-go/internal/publisher"
	"stopsign-monitor-go/internal/replay"
	"stopsign-monitor-go/internal/repository"
	"stopsign-monitor-go/internal/service"
	"stopsign-monitor-go/internal/timeutil"
)

const shutdownTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "stopsign",
		Short: "Stop sign compliance monitor",
		Long: `Detects stop signs in the camera stream, verifies with GPS and accelerometer
data whether the driver came to a full stop and scores every drive.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger инициализирует логгер
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// openDatabase подключается к базе данных и выполняет миграции
func openDatabase(cfg *config.Config, logger *logrus.Logger) (*gorm.DB, error) {
	logger.Info("Подключение к базе данных...")
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	logger.Info("Выполнение миграций базы данных...")
	if err := database.Migrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("ошибка выполнения миграций: %w", err)
	}
	if err := database.HealthCheck(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("база данных недоступна: %w", err)
	}

	logger.Info("База данных успешно подключена и готова к работе")
	return db, nil
}

// closeDatabase закрывает подключение к базе данных
func closeDatabase(db *gorm.DB, logger *logrus.Logger) {
	if err := database.Close(db); err != nil {
		logger.Warnf("Ошибка закрытия базы данных: %v", err)
	}
}

// serveCmd запускает HTTP и gRPC серверы
func serveCmd() *cobra.Command {
	var port, grpcPort int
	var dbDriver, sqlitePath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST, SSE and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("grpc-port") {
				cfg.GRPC.Port = grpcPort
			}
			if cmd.Flags().Changed("db-driver") {
				cfg.Database.Driver = dbDriver
			}
			if cmd.Flags().Changed("sqlite-path") {
				cfg.Database.SQLitePath = sqlitePath
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port")
	cmd.Flags().IntVar(&grpcPort, "grpc-port", 9090, "gRPC port")
	cmd.Flags().StringVar(&dbDriver, "db-driver", database.DriverPostgres, "Database driver (postgres or sqlite)")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "stopsign.db", "Path to SQLite database")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.Logging.Level)
	logger.Info("Запуск Stop Sign Monitor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	clock := timeutil.RealClock{}

	// Хранилище и фоновая синхронизация поездок
	driveRepo := repository.NewDriveRepository(db)
	driveService := service.NewDriveService(driveRepo, logger)
	syncWorker := service.NewSyncWorker(driveService, clock, cfg.Sync.Interval, logger)
	syncWorker.Start()

	manager := drive.NewManager(clock, geo.NewCalculator(), syncWorker, cfg.Pipeline.LateEventGrace, logger)
	speaker := announcer.NewAnnouncer(announcer.NewLogVoice(logger), clock, cfg.Pipeline.SpeakInterval, logger)
	hub := pipeline.NewHub(64)

	sinks := pipeline.MultiSink{hub}
	var kafkaPublisher *publisher.Publisher
	if cfg.Kafka.Brokers != "" {
		kafkaPublisher, err = publisher.NewPublisher(publisher.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		if err != nil {
			syncWorker.Stop()
			return fmt.Errorf("ошибка создания Kafka publisher: %w", err)
		}
		sinks = append(sinks, kafkaPublisher)
	} else {
		logger.Info("KAFKA_BROKERS не задан, события в Kafka не отправляются")
	}

	var detector pipeline.Detector
	var detectorHealth handler.HealthChecker
	if cfg.Detector.BaseURL != "" {
		detectorClient := client.NewDetectorClient(cfg.Detector.BaseURL, cfg.Detector.Timeout, logger)
		detector = detectorClient
		detectorHealth = detectorClient
	}

	// Конвейеры живут дольше сигнала: при остановке им нужно доработать проверки
	coordinator := pipeline.NewCoordinator(context.Background(), cfg.PipelineConfig(), pipeline.CoordinatorOptions{
		SensorBuffer:     cfg.Pipeline.SensorBuffer,
		InferenceTimeout: cfg.Detector.Timeout,
	}, manager, clock, speaker, sinks, detector, logger)

	// Настраиваем Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler.NewTelemetryHandler(coordinator, hub, logger).RegisterRoutes(router)
	handler.NewDriveHandler(driveService, manager, syncWorker, detectorHealth, func() error {
		return database.HealthCheck(db)
	}, logger).RegisterRoutes(router)

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Stop Sign Monitor API Server",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	grpcServer := grpc.NewServer()
	grpcapi.RegisterTelemetryServer(grpcServer, grpcapi.NewServer(coordinator, hub, logger))
	grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port))
	if err != nil {
		syncWorker.Stop()
		if kafkaPublisher != nil {
			kafkaPublisher.Close(5 * time.Second)
		}
		return fmt.Errorf("ошибка открытия порта gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP сервер запущен на %s", httpServer.Addr)
		logger.Infof("API доступно по адресу: http://localhost:%d/api/v1", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ошибка HTTP сервера: %w", err)
		}
	}()
	go func() {
		logger.Infof("gRPC сервер запущен на %s", grpcListener.Addr())
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("ошибка gRPC сервера: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Получен сигнал остановки")
	case runErr = <-errCh:
		logger.Errorf("Сервер остановлен с ошибкой: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Ошибка остановки HTTP сервера: %v", err)
	}
	grpcServer.GracefulStop()

	// Завершаем поездки, ждем отложенные проверки и сохраняем все снимки
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Не все конвейеры остановлены: %v", err)
	}
	syncWorker.Stop()
	if kafkaPublisher != nil {
		kafkaPublisher.Close(5 * time.Second)
	}

	logger.Info("Сервер остановлен")
	return runErr
}

// replayCmd прогоняет записанную поездку через конвейер
func replayCmd() *cobra.Command {
	var userID, familyID string
	var speak, save bool

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Replay a recorded drive log through the detection pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg.Logging.Level)
			logger.SetOutput(cmd.ErrOrStderr())

			records, err := replay.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			opts := replay.Options{
				UserID:        userID,
				FamilyID:      familyID,
				SpeakInterval: cfg.Pipeline.SpeakInterval,
			}
			if speak {
				opts.Voice = announcer.NewLogVoice(logger)
			}

			result, err := replay.NewReplayer(cfg.PipelineConfig(), logger).Run(records, opts)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			if save {
				db, err := openDatabase(cfg, logger)
				if err != nil {
					return err
				}
				defer closeDatabase(db, logger)

				svc := service.NewDriveService(repository.NewDriveRepository(db), logger)
				if err := svc.SaveSession(cmd.Context(), result.Session); err != nil {
					return err
				}
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(drive.ToResponse(result.Session))
		},
	}

	cmd.Flags().StringVar(&userID, "user", "replay", "User ID of the replayed drive")
	cmd.Flags().StringVar(&familyID, "family", "", "Family ID of the replayed drive")
	cmd.Flags().BoolVar(&speak, "speak", false, "Log spoken alerts through the rate-limited announcer")
	cmd.Flags().BoolVar(&save, "save", false, "Persist the replayed drive to the database")
	return cmd
}

// corsMiddleware добавляет заголовки CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
