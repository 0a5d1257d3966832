// Package data provides the process-wide storage bindings: the Postgres
// pool used for durable job-run auditing and the Redis client used for
// every checkpoint, cache, rate-limit, and alarm key the job-orchestration
// subsystem touches.
package data

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// Conn bundles the storage bindings shared across the process.
type Conn struct {
	DB                   *pgxpool.Pool
	Cache                *redis.Client
	ExecutionEnvironment string
	Logger               *zap.SugaredLogger
}

type dbConnResult struct {
	conn *pgxpool.Pool
	err  error
}

type redisConnResult struct {
	client *redis.Client
	err    error
}

// InitConn connects to Postgres and Redis with a 90s retry budget each,
// matching the connection-retry shape used throughout this codebase's
// lineage. It panics if either dependency cannot be reached in time since
// the server cannot usefully serve traffic without them.
func InitConn(inContainer bool) (*Conn, func()) {
	logger := newLogger()

	dbHost := getEnv("DB_HOST", "db")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "postgres")
	dbPassword := getEnv("DB_PASSWORD", "")

	redisHost := getEnv("REDIS_HOST", "cache")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	executionEnvironment := getEnv("ENVIRONMENT", "dev")
	if executionEnvironment != "prod" {
		executionEnvironment = "dev"
	}

	var dbURL, cacheURL string
	if inContainer {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s", dbUser, dbPassword, dbHost, dbPort)
		cacheURL = fmt.Sprintf("%s:%s", redisHost, redisPort)
	} else {
		dbURL = fmt.Sprintf("postgres://%s:%s@localhost:%s", dbUser, dbPassword, dbPort)
		cacheURL = fmt.Sprintf("localhost:%s", redisPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	dbResult := make(chan dbConnResult, 1)
	go func() {
		defer close(dbResult)
		var lastErr error
		for {
			select {
			case <-ctx.Done():
				dbResult <- dbConnResult{err: lastErr}
				return
			default:
				poolConfig, parseErr := pgxpool.ParseConfig(dbURL)
				if parseErr != nil {
					lastErr = parseErr
					time.Sleep(time.Second)
					continue
				}
				poolConfig.MaxConns = 20
				poolConfig.MinConns = 2
				poolConfig.MaxConnLifetime = 60 * time.Minute
				poolConfig.MaxConnIdleTime = 5 * time.Minute
				poolConfig.HealthCheckPeriod = 30 * time.Second
				poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

				pool, connErr := pgxpool.ConnectConfig(ctx, poolConfig)
				if connErr != nil {
					lastErr = connErr
					time.Sleep(time.Second)
					continue
				}
				dbResult <- dbConnResult{conn: pool}
				return
			}
		}
	}()

	dbRes := <-dbResult
	if dbRes.conn == nil {
		panic(fmt.Sprintf("failed to connect to postgres at %s: %v", dbURL, dbRes.err))
	}

	redisCtx, redisCancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer redisCancel()

	redisResult := make(chan redisConnResult, 1)
	go func() {
		defer close(redisResult)
		var lastErr error
		for {
			select {
			case <-redisCtx.Done():
				redisResult <- redisConnResult{err: lastErr}
				return
			default:
				opts := &redis.Options{
					Addr:            cacheURL,
					PoolSize:        20,
					MinIdleConns:    5,
					PoolTimeout:     30 * time.Second,
					ReadTimeout:     10 * time.Second,
					WriteTimeout:    10 * time.Second,
					MaxRetries:      5,
					MinRetryBackoff: time.Second,
					MaxRetryBackoff: 10 * time.Second,
					DialTimeout:     5 * time.Second,
				}
				if redisPassword != "" {
					opts.Password = redisPassword
				}
				client := redis.NewClient(opts)
				if err := client.Ping(redisCtx).Err(); err != nil {
					lastErr = err
					time.Sleep(time.Second)
					continue
				}
				redisResult <- redisConnResult{client: client}
				return
			}
		}
	}()

	redisRes := <-redisResult
	if redisRes.client == nil {
		panic(fmt.Sprintf("failed to connect to redis at %s: %v", cacheURL, redisRes.err))
	}

	conn := &Conn{
		DB:                   dbRes.conn,
		Cache:                redisRes.client,
		ExecutionEnvironment: executionEnvironment,
		Logger:               logger,
	}

	cleanup := func() {
		conn.DB.Close()
		if err := conn.Cache.Close(); err != nil {
			logger.Warnw("error closing redis connection", "error", err)
		}
	}
	return conn, cleanup
}

func newLogger() *zap.SugaredLogger {
	var cfg zap.Config
	if getEnv("ENVIRONMENT", "dev") == "prod" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger.Sugar()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
