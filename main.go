package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	agentsapp "dispatchd/internal/agents/application"
	agentsrepo "dispatchd/internal/agents/infrastructure/postgres"
	agentshttp "dispatchd/internal/agents/interfaces/http"
	"dispatchd/internal/auth"
	commandsapp "dispatchd/internal/commands/application"
	commandsrepo "dispatchd/internal/commands/infrastructure/postgres"
	commandshttp "dispatchd/internal/commands/interfaces/http"
	eventshttp "dispatchd/internal/events/http"
	eventsrepo "dispatchd/internal/events/postgres"
	"dispatchd/internal/hub"
	hubhttp "dispatchd/internal/hub/http"
	"dispatchd/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	broker := hub.New()
	eventRepo := eventsrepo.NewEventRepository(db)
	agentRepo := agentsrepo.NewAgentRepository(db)
	commandRepo := commandsrepo.NewCommandRepository(db)

	agentService, err := agentsapp.NewService(agentRepo, eventRepo, broker)
	if err != nil {
		logger.Fatalf("agent service error: %v", err)
	}
	commandService, err := commandsapp.NewService(commandRepo, agentRepo, eventRepo, broker)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	claimCfg, err := commandsapp.LoadClaimConfig()
	if err != nil {
		logger.Fatalf("claim config error: %v", err)
	}
	claimService, err := commandsapp.NewClaimService(commandRepo, eventRepo, broker, claimCfg)
	if err != nil {
		logger.Fatalf("claim service error: %v", err)
	}

	commandHandler, err := commandshttp.NewHandler(commandService)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	commandStream := hubhttp.NewCommandStreamHandler(broker, "/api/v1/commands/", "/stream")
	commandItemHandler, err := commandshttp.NewItemHandler(commandService, commandStream, "/api/v1/commands/")
	if err != nil {
		logger.Fatalf("command item handler error: %v", err)
	}
	agentCommandHandler, err := commandshttp.NewAgentHandler(commandService, claimService, "/api/v1/agent/")
	if err != nil {
		logger.Fatalf("agent command handler error: %v", err)
	}
	exportHandler, err := commandshttp.NewExportHandler(commandService, "/api/v1/exports/")
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	agentHandler, err := agentshttp.NewHandler(agentService)
	if err != nil {
		logger.Fatalf("agent handler error: %v", err)
	}
	agentItemHandler, err := agentshttp.NewItemHandler(agentService, "/api/v1/agents/")
	if err != nil {
		logger.Fatalf("agent item handler error: %v", err)
	}
	selfServiceHandler, err := agentshttp.NewSelfServiceHandler(agentService)
	if err != nil {
		logger.Fatalf("agent self-service handler error: %v", err)
	}
	eventHandler, err := eventshttp.NewHandler(eventRepo)
	if err != nil {
		logger.Fatalf("event handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/agent/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	agentAuth := auth.NewAgentMiddleware(agentService)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/", commandItemHandler)
	mux.Handle("/api/v1/agents", agentHandler)
	mux.Handle("/api/v1/agents/", agentItemHandler)
	mux.Handle("/api/v1/events", eventHandler)
	mux.Handle("/api/v1/stream", hubhttp.NewTopicStreamHandler(broker))
	mux.Handle("/api/v1/exports/", exportHandler)
	mux.Handle("/api/v1/agent/claims", agentAuth.Wrap(agentCommandHandler))
	mux.Handle("/api/v1/agent/commands/", agentAuth.Wrap(agentCommandHandler))
	mux.Handle("/api/v1/agent/register", agentAuth.Wrap(http.HandlerFunc(selfServiceHandler.Register)))
	mux.Handle("/api/v1/agent/heartbeat", agentAuth.Wrap(http.HandlerFunc(selfServiceHandler.Heartbeat)))
	mux.Handle("/api/v1/agent/stream", agentAuth.Wrap(hubhttp.NewAgentStreamHandler(broker)))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE responses streaming through the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
