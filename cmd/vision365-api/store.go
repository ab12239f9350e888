package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/config"
	"github.com/einen2021/vision365-web/internal/database"
	"github.com/einen2021/vision365-web/internal/store"
)

// openStore builds the configured document store and returns a function releasing it.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch appConfig.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn("using in-memory document store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case config.StoreBackendNone:
		logger.Warn("document store not configured, every read and write will fail")
		return store.Unconfigured(), func() {}, nil
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		documents, err := store.NewSQLiteStore(store.SQLiteStoreConfig{Database: db, Logger: logger})
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return documents, func() { _ = sqlDB.Close() }, nil
	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		documents, err := store.NewRedisStore(store.RedisStoreConfig{
			Client: client,
			Prefix: appConfig.RedisPrefix,
			Logger: logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return documents, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}
