// Package config provides runtime configuration values for the service and
// the per-session sync machinery.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration knobs for the HTTP server, workers, the shared
// store and the cross-session coordinator.
type Config struct {
	HTTPAddr                string
	ShutdownTimeout         time.Duration
	InitialWorkerCount      int
	WorkerMin               int
	WorkerMax               int
	ScaleInterval           time.Duration
	ScaleUpBacklogPerWorker int
	ScaleDownIdleTicks      int
	QueueHighWatermark      int
	LogLevel                string

	KVBackend string
	RedisAddr string
	KVPrefix  string

	ElectionInterval   time.Duration
	HeartbeatInterval  time.Duration
	LeaderStale        time.Duration
	TabRefreshInterval time.Duration
	TabStale           time.Duration
	SyncResponseRate   time.Duration
	SyncResponseBurst  int
	PurchaseTimeout    time.Duration
	APIBaseURL         string
	FetchRetries       int
	ReservationSweep   time.Duration
	DefaultReserveMins int
}

// source resolves a key from the process environment first, then from an
// optional file overlay.
type source map[string]string

func (s source) getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

func (s source) atoienv(key string, def int) int {
	v := s.getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (s source) durenvms(key string, defMs int) time.Duration {
	ms := s.atoienv(key, defMs)
	return time.Duration(ms) * time.Millisecond
}

// posdurms is durenvms for intervals that drive tickers: zero or negative
// values fall back to the default.
func (s source) posdurms(key string, defMs int) time.Duration {
	if d := s.durenvms(key, defMs); d > 0 {
		return d
	}
	return time.Duration(defMs) * time.Millisecond
}

func (s source) durenvs(key string, defSec int) time.Duration {
	sec := s.atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	return source(nil).load()
}

// LoadFile reads a YAML file of KEY: value pairs (the same keys as the
// environment variables) and returns the configuration with the file acting
// as defaults beneath the environment.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	src := make(source, len(raw))
	for k, v := range raw {
		src[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return src.load(), nil
}

func (s source) load() Config {
	minWorkers := s.atoienv("WORKER_MIN", 3)
	maxWorkers := s.atoienv("WORKER_MAX", 8)
	initialWorkers := s.atoienv("WORKER_COUNT", minWorkers)
	return Config{
		HTTPAddr:                s.getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:         s.durenvs("SHUTDOWN_TIMEOUT", 15),
		InitialWorkerCount:      initialWorkers,
		WorkerMin:               minWorkers,
		WorkerMax:               maxWorkers,
		ScaleInterval:           s.posdurms("SCALE_INTERVAL_MS", 500),
		ScaleUpBacklogPerWorker: s.atoienv("SCALE_UP_BACKLOG_PER_WORKER", 100),
		ScaleDownIdleTicks:      s.atoienv("SCALE_DOWN_IDLE_TICKS", 6),
		QueueHighWatermark:      s.atoienv("QUEUE_HIGH_WATERMARK", 5000),
		LogLevel:                s.getenv("LOG_LEVEL", "info"),

		KVBackend: s.getenv("KV_BACKEND", "memory"),
		RedisAddr: s.getenv("REDIS_ADDR", "127.0.0.1:6379"),
		KVPrefix:  s.getenv("KV_PREFIX", "marketsync"),

		ElectionInterval:   s.posdurms("ELECTION_INTERVAL_MS", 10000),
		HeartbeatInterval:  s.posdurms("HEARTBEAT_INTERVAL_MS", 5000),
		LeaderStale:        s.posdurms("LEADER_STALE_MS", 30000),
		TabRefreshInterval: s.posdurms("TAB_REFRESH_INTERVAL_MS", 10000),
		TabStale:           s.posdurms("TAB_STALE_MS", 60000),
		SyncResponseRate:   s.durenvms("SYNC_RESPONSE_RATE_MS", 1000),
		SyncResponseBurst:  s.atoienv("SYNC_RESPONSE_BURST", 3),
		PurchaseTimeout:    s.posdurms("PURCHASE_TIMEOUT_MS", 15000),
		APIBaseURL:         s.getenv("API_BASE_URL", "http://localhost:8080"),
		FetchRetries:       s.atoienv("FETCH_RETRIES", 2),
		ReservationSweep:   s.posdurms("RESERVATION_SWEEP_MS", 5000),
		DefaultReserveMins: s.atoienv("DEFAULT_RESERVE_MINUTES", 15),
	}
}
