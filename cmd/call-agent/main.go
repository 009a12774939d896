package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/client/callapi"
	"secureconnect-callagent/internal/database"
	"secureconnect-callagent/internal/events"
	callHandler "secureconnect-callagent/internal/handler/http/call"
	wsHandler "secureconnect-callagent/internal/handler/ws"
	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/internal/media/pionrtc"
	"secureconnect-callagent/internal/middleware"
	redisRepo "secureconnect-callagent/internal/repository/redis"
	"secureconnect-callagent/internal/service/audit"
	"secureconnect-callagent/internal/service/device"
	"secureconnect-callagent/internal/service/presence"
	"secureconnect-callagent/internal/service/quality"
	"secureconnect-callagent/internal/service/registry"
	"secureconnect-callagent/internal/service/session"
	"secureconnect-callagent/internal/service/settings"
	"secureconnect-callagent/internal/signaling"
	auditLog "secureconnect-callagent/pkg/audit"
	"secureconnect-callagent/pkg/config"
	"secureconnect-callagent/pkg/constants"
	apperrors "secureconnect-callagent/pkg/errors"
	"secureconnect-callagent/pkg/jwt"
	"secureconnect-callagent/pkg/logger"
	"secureconnect-callagent/pkg/metrics"
	"secureconnect-callagent/pkg/resilience"
)

func main() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Agent identity
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, 0)
	identity, err := jwtManager.Identify(cfg.JWT.AgentToken)
	if err != nil {
		logger.Fatal("Invalid agent token", zap.Error(err))
	}
	if !identity.ExpiresAt.IsZero() && time.Until(identity.ExpiresAt) < time.Minute {
		logger.Warn("Agent token expires soon", zap.Time("expires_at", identity.ExpiresAt))
	}
	userID := identity.UserID.String()
	logger.Info("Starting call agent",
		zap.String("service", cfg.Server.ServiceName),
		zap.String("user_id", userID),
		zap.String("environment", cfg.Server.Environment))

	// 3. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.InitRedisMetrics()

	// 4. Redis for presence and the pub/sub signaling transport
	var redisDB *database.RedisClient
	if cfg.Redis.Enabled {
		redisDB = database.NewRedisDB(ctx, cfg.Redis)
		defer redisDB.Close()
		redisDB.StartHealthCheck(ctx, 10*time.Second)
		logger.Info("Redis configured", zap.String("addr", cfg.RedisAddr()))
	}

	// 5. Signaling transport
	var transport signaling.Transport
	switch cfg.Signaling.Transport {
	case "redis":
		transport = signaling.NewRedisTransport(redisDB.Client, userID, cfg.Signaling.PingInterval)
	default:
		transport = signaling.NewWSTransport(signaling.WSConfig{
			URL:              cfg.Signaling.URL,
			Token:            cfg.JWT.AgentToken,
			HandshakeTimeout: cfg.Signaling.HandshakeTimeout,
			PingInterval:     cfg.Signaling.PingInterval,
			MinBackoff:       cfg.Signaling.MinBackoff,
			MaxBackoff:       cfg.Signaling.MaxBackoff,
		})
	}

	// 6. Media stack
	platform, err := pionrtc.NewPlatform(pionrtc.Config{
		ICEServers:   cfg.WebRTC.ICEServers,
		AudioInputs:  cfg.Devices.AudioInputs,
		VideoInputs:  cfg.Devices.VideoInputs,
		AudioOutputs: cfg.Devices.AudioOutputs,
		Sources:      pionrtc.SilenceSources,
		Logger:       logger.Log,
	})
	if err != nil {
		logger.Fatal("Failed to create media platform", zap.Error(err))
	}

	bus := events.NewBus()
	bus.OnDrop(func(t events.Type) {
		appMetrics.RecordEventStreamError("dropped")
	})

	peers := registry.New(platform, registry.Config{
		BufferEarlyCandidates: cfg.WebRTC.BufferEarlyCandidates,
		MaxPendingCandidates:  cfg.WebRTC.MaxPendingCandidates,
		DataChannelLifetime:   cfg.WebRTC.DataChannelLifetime,
	})
	store := settings.NewStore(settings.FromConfig(cfg.Calls))
	devices := device.NewManager(platform, peers, store, bus)
	if available, err := devices.GetAvailableDevices(ctx); err != nil {
		logger.Warn("Failed to enumerate devices", zap.Error(err))
	} else {
		store.FillPreferredDevices(deviceIDs(available.AudioInputs), deviceIDs(available.VideoInputs))
	}
	monitor := quality.NewMonitor(quality.Config{
		Interval: cfg.Quality.SampleInterval,
		Adaptive: cfg.Quality.AdaptiveEnabled,
	}, peers, bus)

	// 7. Call session
	sess := session.New(session.Deps{
		UserID:       userID,
		Transport:    transport,
		Registry:     peers,
		Devices:      devices,
		Monitor:      monitor,
		Settings:     store,
		Bus:          bus,
		ReconnectAPI: callapi.NewClient(cfg.Backend.URL, cfg.JWT.AgentToken, cfg.Backend.RequestTimeout),
		ReconnectPolicy: resilience.Backoff{
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			InitialBackoff: cfg.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.Reconnect.MaxBackoff,
		},
	})

	router := signaling.NewRouter(sess)
	router.OnRejected(func(ctx context.Context, appErr *apperrors.AppError) {
		bus.Publish(events.Event{
			Type:  events.TypeError,
			Error: &events.ErrorInfo{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details},
		})
	})
	if err := transport.Start(ctx, router); err != nil {
		logger.Fatal("Failed to start signaling transport", zap.Error(err))
	}

	// 8. In-call presence and the call audit trail
	var auditLogger *auditLog.AuditLogger
	if redisDB != nil {
		presenceSvc := presence.NewService(
			redisRepo.NewPresenceRepository(redisDB, constants.PresenceTTL),
			userID,
			constants.PresenceTTL/2,
		)
		go presenceSvc.Run(ctx, sess)

		auditLogger = auditLog.NewAuditLogger(redisDB.Client)
		go audit.NewRecorder(auditLogger, userID).Run(ctx, sess)
	}

	// 9. Control API
	eventStream := wsHandler.NewEventStream(sess, wsHandler.EventStreamOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingPeriod:     constants.WebSocketPingInterval,
		Snapshot:       wsHandler.SnapshotFunc(func() any { return sess.Snapshot() }),
		Metrics:        appMetrics,
	})
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.HealthCheck(cfg.Server.ServiceName, func() gin.H {
		return gin.H{
			"call_state":          sess.State(),
			"signaling_connected": transport.IsConnected(),
			"time":                time.Now().UTC(),
		}
	}))
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	engine.Use(prometheusMiddleware.Handler())

	engine.GET(middleware.GetMetricsPath(), middleware.MetricsHandler(appMetrics))

	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, userID))
	{
		calls := callHandler.NewHandler(sess)
		if auditLogger != nil {
			calls.WithAudit(auditLogger)
		}
		calls.RegisterRoutes(v1)
		v1.GET("/call/events", eventStream.ServeWS)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		logger.Info("Control API listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := sess.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Call session did not shut down cleanly", zap.Error(err))
	}
	eventStream.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	if err := transport.Close(); err != nil {
		logger.Warn("Failed to close signaling transport", zap.Error(err))
	}
	stop()

	logger.Info("Call agent exited")
}

func deviceIDs(infos []media.DeviceInfo) []string {
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.DeviceID)
	}
	return ids
}
