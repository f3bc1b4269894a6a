package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

// Storage backends.
const (
	BackendMemory = storage.BackendMemory
	BackendFile   = storage.BackendFile
	BackendSQLite = storage.BackendSQLite
)

// Sync modes.
const (
	SyncMemory    = "memory"
	SyncFile      = "file"
	SyncWebSocket = "websocket"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Rules    RulesConfig
	Sessions SessionsConfig
	Sync     SyncConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	rules, err := loadRulesConfig()
	if err != nil {
		return nil, err
	}

	sessions, err := loadSessionsConfig()
	if err != nil {
		return nil, err
	}

	sync, err := loadSyncConfig(storage)
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Storage:  storage,
		Rules:    rules,
		Sessions: sessions,
		Sync:     sync,
		Log:      logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StorageConfig 描述持久化介质。
type StorageConfig struct {
	Backend string
	// Path is a directory for the file backend and a database file for sqlite.
	Path string
}

func loadStorageConfig() (StorageConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", BackendFile))
	switch backend {
	case BackendMemory:
		return StorageConfig{Backend: backend}, nil
	case BackendFile:
		return StorageConfig{Backend: backend, Path: getEnvOrDefault("STORAGE_PATH", "data/state")}, nil
	case BackendSQLite:
		return StorageConfig{Backend: backend, Path: getEnvOrDefault("STORAGE_PATH", "data/assistant.db")}, nil
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_BACKEND value %q", backend)
	}
}

// RulesConfig 描述默认规则来源。
type RulesConfig struct {
	// DefaultSource is a file path or an http(s) URL. Empty means embedded rules only.
	DefaultSource string
	FetchTimeout  time.Duration
}

func loadRulesConfig() (RulesConfig, error) {
	timeout, err := parseDurationEnv("RULES_FETCH_TIMEOUT", 5*time.Second)
	if err != nil {
		return RulesConfig{}, err
	}

	source, ok := os.LookupEnv("RULES_DEFAULT_SOURCE")
	if !ok {
		source = "data/rules.yaml"
	}

	return RulesConfig{
		DefaultSource: strings.TrimSpace(source),
		FetchTimeout:  timeout,
	}, nil
}

// SessionsConfig 描述会话容量上限。
type SessionsConfig struct {
	MaxSessions int
	MaxMessages int
}

func loadSessionsConfig() (SessionsConfig, error) {
	cfg := SessionsConfig{MaxSessions: 50, MaxMessages: 100}

	if v, err := parseOptionalIntEnv("SESSIONS_MAX"); err != nil {
		return SessionsConfig{}, err
	} else if v != nil {
		if *v < 1 {
			return SessionsConfig{}, fmt.Errorf("SESSIONS_MAX must be positive, got %d", *v)
		}
		cfg.MaxSessions = *v
	}

	if v, err := parseOptionalIntEnv("SESSIONS_MAX_MESSAGES"); err != nil {
		return SessionsConfig{}, err
	} else if v != nil {
		if *v < 1 {
			return SessionsConfig{}, fmt.Errorf("SESSIONS_MAX_MESSAGES must be positive, got %d", *v)
		}
		cfg.MaxMessages = *v
	}

	return cfg, nil
}

// SyncConfig 描述规则跨上下文同步方式。
type SyncConfig struct {
	Mode string
	// PeerURL is an upstream hub (ws:// or wss://) this process joins as a client.
	PeerURL string
}

func loadSyncConfig(storage StorageConfig) (SyncConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("SYNC_MODE", SyncWebSocket))
	switch mode {
	case SyncMemory, SyncWebSocket:
	case SyncFile:
		if storage.Backend != BackendFile {
			return SyncConfig{}, fmt.Errorf("SYNC_MODE=file requires STORAGE_BACKEND=file, got %q", storage.Backend)
		}
	default:
		return SyncConfig{}, fmt.Errorf("invalid SYNC_MODE value %q", mode)
	}

	peer := strings.TrimSpace(os.Getenv("SYNC_PEER_URL"))
	if peer != "" && !strings.HasPrefix(peer, "ws://") && !strings.HasPrefix(peer, "wss://") {
		return SyncConfig{}, fmt.Errorf("invalid SYNC_PEER_URL value %q", peer)
	}

	return SyncConfig{Mode: mode, PeerURL: peer}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() (LogConfig, error) {
	dev, err := parseBoolEnv("LOG_DEV", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:       strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Development: dev,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
