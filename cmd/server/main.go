package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notes-sharing-server/internal/auth"
	"notes-sharing-server/internal/config"
	"notes-sharing-server/internal/database"
	"notes-sharing-server/internal/events"
	"notes-sharing-server/internal/handler"
	"notes-sharing-server/internal/middleware"
	"notes-sharing-server/internal/policy"
	"notes-sharing-server/internal/repository"
	"notes-sharing-server/internal/service"
	"notes-sharing-server/internal/storage"
	"notes-sharing-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	noteRepo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open note repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeRepo()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open file store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		logger.Error("failed to create token verifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pol := policy.New(cfg.Admins)
	if len(pol.Admins()) == 0 {
		logger.Warn("no admins configured, notes cannot be approved")
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	wsManager := websocket.NewManager(websocket.Options{
		MaxConnPerUser: cfg.WebSocket.MaxConnPerUser,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, logger)
	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(wsManager))
	go wsManager.Run(ctx)

	if err := websocket.NewNotifier(wsManager).Start(ctx, bus); err != nil {
		logger.Error("failed to subscribe notifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	noteService := service.NewNoteService(noteRepo, store, bus, cfg.Storage.AllowedMimeTypes, logger)

	r := newRouter(cfg, logger, verifier, pol, noteService, wsManager)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting notes sharing server",
			slog.String("addr", addr),
			slog.String("env", cfg.Server.Env),
			slog.String("db_driver", cfg.Database.Driver),
			slog.String("storage_driver", cfg.Storage.Driver),
			slog.String("auth_mode", cfg.Auth.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped gracefully")
}

func newRouter(
	cfg *config.Config,
	logger *slog.Logger,
	verifier auth.Verifier,
	pol *policy.Policy,
	noteService *service.NoteService,
	wsManager *websocket.Manager,
) *mux.Router {
	noteHandler := handler.NewNoteHandler(noteService, cfg.Storage.MaxUploadSize, logger)
	userHandler := handler.NewUserHandler()
	healthHandler := handler.NewHealthHandler(noteService, logger)
	wsHandler := handler.NewWebSocketHandler(wsManager, verifier, pol, handler.WebSocketOptions{
		AllowedOrigins:  middleware.ParseOrigins(cfg.CORS.AllowedOrigins),
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	}, logger)

	authMiddleware := middleware.AuthMiddleware(verifier, pol, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	r.HandleFunc("/health", healthHandler.Health).Methods("GET")
	r.HandleFunc("/health/ready", healthHandler.Ready).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/", healthHandler.Root).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware)

	api.HandleFunc("/me", userHandler.Me).Methods("GET", "OPTIONS")

	api.HandleFunc("/notes", noteHandler.Upload).Methods("POST", "OPTIONS")
	api.HandleFunc("/notes", noteHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/notes/search", noteHandler.Search).Methods("GET", "OPTIONS")
	api.HandleFunc("/notes/mine", noteHandler.ListOwn).Methods("GET", "OPTIONS")
	api.HandleFunc("/notes/{id}/approve", noteHandler.Approve).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/notes/{id}/download", noteHandler.Download).Methods("GET", "OPTIONS")

	// Unversioned aliases of the /api/v1 note routes. Same envelope and
	// field names as /api/v1.
	legacy := r.PathPrefix("").Subrouter()
	legacy.Use(authMiddleware)

	legacy.HandleFunc("/uploadNote", noteHandler.Upload).Methods("POST", "OPTIONS")
	legacy.HandleFunc("/notes", noteHandler.List).Methods("GET", "OPTIONS")
	legacy.HandleFunc("/notes/search", noteHandler.Search).Methods("GET", "OPTIONS")
	legacy.HandleFunc("/my-notes", noteHandler.ListOwn).Methods("GET", "OPTIONS")
	legacy.HandleFunc("/notes/{id}/approve", noteHandler.Approve).Methods("PATCH", "OPTIONS")
	legacy.HandleFunc("/notes/{id}/download", noteHandler.Download).Methods("GET", "OPTIONS")

	return r
}

// openRepository connects the configured note backend. The returned func
// releases its connections.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.NoteRepository, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if err := database.Migrate(cfg.Database.PostgresDSN, logger); err != nil {
			return nil, nil, err
		}
		pool, err := database.Connect(ctx, cfg.Database.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresNoteRepository(pool), pool.Close, nil

	default:
		client, err := kivik.New("couch", cfg.CouchURL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
		}

		exists, err := client.DBExists(ctx, cfg.Database.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check database existence: %w", err)
		}
		if !exists {
			if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
				return nil, nil, fmt.Errorf("failed to create database: %w", err)
			}
			logger.Info("created database", slog.String("name", cfg.Database.Name))
		}

		if err := repository.EnsureNoteIndexes(ctx, client, cfg.Database.Name); err != nil {
			return nil, nil, err
		}

		logger.Info("connected to CouchDB",
			slog.String("host", cfg.Database.Host),
			slog.String("port", cfg.Database.Port),
		)
		return repository.NewNoteRepository(client, cfg.Database.Name), func() { client.Close() }, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.FileStore, error) {
	if cfg.Storage.Driver == config.StorageS3 {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Bucket:    cfg.Storage.S3.Bucket,
		})
		if err != nil {
			return nil, err
		}
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3Store, nil
	}
	return storage.NewLocalStore(cfg.Storage.UploadDir)
}

func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.Verifier, error) {
	var verifier auth.Verifier
	switch cfg.Auth.Mode {
	case config.AuthModeHMAC:
		logger.Warn("using shared-secret token verification, intended for development")
		verifier = auth.NewHMACVerifier(cfg.Auth.JWTSecret)
	default:
		v, err := auth.NewJWKSVerifier(auth.JWKSOptions{
			URL:             cfg.Auth.JWKSURL,
			RefreshInterval: cfg.Auth.RefreshInterval,
			Issuer:          cfg.Auth.Issuer,
			Audience:        cfg.Auth.Audience,
			Leeway:          cfg.Auth.Leeway,
		}, logger)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	return auth.NewCachingVerifier(verifier, cfg.Auth.CacheSize, cfg.Auth.CacheTTL), nil
}
