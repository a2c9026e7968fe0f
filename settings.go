package main

import (
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type settings struct {
	redisConn string

	orderStream     string
	orderGroup      string
	orderConsumer   string
	orderDLQ        string
	processedPrefix string
	idempotencyTTL  time.Duration
	pollInterval    time.Duration
	blockTimeout    time.Duration
	batchCount      int

	productStream      string
	productClaimPrefix string
	productFoldPrefix  string
	productTTL         time.Duration
	snapshotHashKey    string
	snapshotAggregate  string
	snapshotThreshold  int

	metricsAddr string
}

func loadSettings() settings {
	return settings{
		redisConn: envString("REDIS_CONNECTION_STRING", "localhost:6379"),

		orderStream:     envString("ORDER_STREAM", "orders"),
		orderGroup:      envString("ORDER_GROUP", "order-processors"),
		orderConsumer:   envString("ORDER_CONSUMER", "consumer-"+uuid.NewString()[:8]),
		orderDLQ:        envString("ORDER_DLQ", "orders:dlq"),
		processedPrefix: envString("ORDER_PROCESSED_PREFIX", "orders:processed:"),
		idempotencyTTL:  envDur("ORDER_IDEMPOTENCY_TTL", time.Hour),
		pollInterval:    envDur("ORDER_POLL_INTERVAL", 5*time.Second),
		blockTimeout:    envDur("ORDER_BLOCK_TIMEOUT", 2*time.Second),
		batchCount:      envInt("ORDER_BATCH_COUNT", 10),

		productStream:      envString("PRODUCT_STREAM", "product:events:stream"),
		productClaimPrefix: envString("PRODUCT_CLAIM_PREFIX", "product:events:processed:"),
		productFoldPrefix:  envString("PRODUCT_FOLD_PREFIX", "product:events:folded:"),
		productTTL:         envDur("PRODUCT_IDEMPOTENCY_TTL", 24*time.Hour),
		snapshotHashKey:    envString("PRODUCT_SNAPSHOT_HASH", "product:snapshots"),
		snapshotAggregate:  envString("PRODUCT_SNAPSHOT_KEY", "all"),
		snapshotThreshold:  envInt("PRODUCT_SNAPSHOT_THRESHOLD", 50),

		metricsAddr: envString("METRICS_ADDR", ":9100"),
	}
}

// redisOptions parses either a redis URL or a comma separated
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err != nil {
		parts := strings.Split(conn, ",")
		opts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				opts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					opts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	return opts
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warnf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warnf("invalid %s=%q, using %v", key, v, def)
		return def
	}
	return d
}
