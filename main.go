package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-sync/internal/config"
	"chat-sync/internal/connectivity"
	"chat-sync/internal/db"
	"chat-sync/internal/engine"
	grpcclient "chat-sync/internal/grpc"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/notify"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

const (
	serviceName             = "chat-sync"
	notificationsPrefix     = "notifications."
	notificationsRoutingKey = notificationsPrefix + "messages"
	auditRoutingKey         = "audit.events"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Runs the offline-first conversation sync daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		config.InitLog(cfg.LogLevel)
		return run(cmd.Context(), cfg)
	},
}

func init() {
	if err := config.BindFlags(rootCmd, v); err != nil {
		jww.FATAL.Panicf("[Main] %v", err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		jww.ERROR.Printf("[Main] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			jww.WARN.Printf("[Main] tracing shutdown: %v", err)
		}
	}()

	store, blocked, database, err := openStore(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	monitor, err := startMonitor(ctx, cfg)
	if err != nil {
		return err
	}

	publisher := rabbitmq.NewPublisher(rabbitmq.Options{
		URL:             cfg.AMQPURL,
		Exchange:        cfg.AMQPExchange,
		ConfirmPrefixes: []string{notificationsPrefix},
	})
	defer publisher.Close()
	jww.INFO.Printf("[Main] publisher mode=%s %s", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))

	client := remote.NewClient(remote.ClientOptions{
		BaseURL:     cfg.RemoteURL,
		Token:       cfg.RemoteToken,
		CallTimeout: cfg.RemoteTimeout,
	})
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, serviceName, "local")

	eng := engine.New(engine.Deps{
		Store:        store,
		BlockedUsers: blocked,
		Feed:         client,
		Monitor:      monitor,
		Notifier:     notify.NewMessageNotifier(publisher, notificationsRoutingKey),
		Audit:        audit,
		OutboxRate:   cfg.OutboxRate,
	})
	defer eng.Close()

	if cfg.UserID != "" {
		if err := eng.StartSync(ctx, cfg.UserID); err != nil {
			return errors.Wrap(err, "start sync")
		}
	}

	router := newRouter(cfg, eng, publisher, audit)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		jww.INFO.Printf("[Main] listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
	}

	jww.INFO.Printf("[Main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config) (repositories.LocalStore, repositories.BlockedUserRepository, *sqlx.DB, error) {
	if cfg.Store == config.StoreMemory {
		jww.INFO.Printf("[Main] using in-memory store")
		store := repositories.NewMemoryStore()
		return store, store, nil, nil
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return repositories.NewSQLStore(database), repositories.NewBlockedUserRepo(database), database, nil
}

// startMonitor polls the backend health service, or reports online forever
// when no health endpoint is configured.
func startMonitor(ctx context.Context, cfg config.Config) (connectivity.Monitor, error) {
	if cfg.HealthAddr == "" {
		return connectivity.NewManual(true), nil
	}

	conn, err := grpclib.NewClient(cfg.HealthAddr,
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpclib.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect health grpc")
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	monitor := connectivity.NewHealthMonitor(grpcclient.NewHealthClient(healthpb.NewHealthClient(conn), ""), cfg.HealthInterval)
	go monitor.Run(ctx)
	return monitor, nil
}

func newRouter(cfg config.Config, eng *engine.Engine, publisher rabbitmq.Publisher, audit *telemetry.AuditEmitter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.BearerToken(cfg.APIToken))
	handlers.NewSyncHandler(eng).RegisterRoutes(api)

	wsHandler := ws.NewWebSocketHandler(ws.NewHub(eng, publisher))
	api.GET("/ws/conversations", wsHandler.Conversations)
	api.GET("/ws/conversations/:id/messages", wsHandler.Messages)

	handlers.RegisterDebugRoutes(api, eng, audit, cfg.Debug)
	return router
}
