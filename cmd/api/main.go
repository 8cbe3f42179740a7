package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xfinite-ocr/internal/middleware"
	"xfinite-ocr/internal/routers"
	"xfinite-ocr/internal/shared"
	"xfinite-ocr/internal/vllm"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	writeDSN := flag.String("dsn", "", "Write mysql DSN")
	readDSN := flag.String("read-dsn", "", "Read replica mysql DSN")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")
	redisAddr := flag.String("redis-addr", "", "Redis host:port")
	debug := flag.Bool("debug", false, "Debug enabled")
	googleClientID := flag.String("google-client-id", "", "Google OAuth client id (idtoken audience)")

	uploadsDir := flag.String("uploads-dir", "uploads", "Root directory for uploaded documents and results")
	renderWorkers := flag.Int("render-workers", shared.DefaultRenderWorkers, "Parallel pdf render workers")
	renderDPI := flag.Int("render-dpi", shared.DefaultRenderDPI, "Render resolution for pdf pages")
	dailyPageLimit := flag.Int64("daily-page-limit", shared.DefaultDailyPageLimit, "Per-user daily page quota")

	vllmHost := flag.String("vllm-host", "127.0.0.1", "Inference server host")
	vllmPort := flag.Int("vllm-port", 8001, "Inference server port")
	batchSize := flag.Int("batch-size", shared.DefaultBatchSize, "Images per inference batch")
	inferenceTimeout := flag.Duration("inference-timeout", shared.DefaultInferenceTimeout, "Per-request inference timeout")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	// Write DB init
	writeDB, err := sql.Open("mysql", *writeDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
	}
	err = writeDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed ping to sql db: %s", err))
	}

	// Read db init
	readDB, err := sql.Open("mysql", *readDSN)
	if err != nil {
		panic(fmt.Sprintf("failed initializing readSqlClient: %s", err))
	}
	err = readDB.Ping()
	if err != nil {
		panic(fmt.Sprintf("failed to ping read replica sql db: %s", err))
	}

	// Load Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("failed ping to redis db: %s", err))
	}

	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if writeDB != nil {
			_ = writeDB.Close()
		}
		if readDB != nil {
			_ = readDB.Close()
		}
	}()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()

	if err := os.MkdirAll(*uploadsDir, 0o755); err != nil {
		panic(fmt.Sprintf("failed creating uploads dir: %s", err))
	}

	supervisor := vllm.NewSupervisor(vllm.SupervisorConfig{
		Host: *vllmHost,
		Port: *vllmPort,
	}, log)
	dispatcher := vllm.NewDispatcher(vllm.DispatchConfig{
		BatchSize:      *batchSize,
		MaxTokens:      shared.DefaultMaxTokens,
		RequestTimeout: *inferenceTimeout,
	}, log)
	engine := vllm.NewEngine(supervisor, dispatcher)
	defer supervisor.Stop()

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractBearerToken(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewRecoverMiddleware(log))
	base.Use(middleware.NewTrackMiddleware(log))

	umw := middleware.NewUserMiddleware(redisClient, writeDB, *googleClientID, log)

	// Register routes
	err = routers.RegisterOCRRoutes(base, writeDB, readDB, engine, umw, routers.OCRRouterConfig{
		UploadsDir:    *uploadsDir,
		RenderWorkers: *renderWorkers,
		RenderDPI:     *renderDPI,
		DailyLimit:    *dailyPageLimit,
	}, log)
	if err != nil {
		panic(err)
	}

	go func() {
		if err := e.Start(":80"); err != nil && err != http.ErrServerClosed {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Wait for interrupt signal to gracefully shut down the server with a timeout of 10 seconds.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Fatal(err)
	}
}
