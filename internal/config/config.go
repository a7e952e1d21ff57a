// Package config loads KAIROS server configuration from the environment,
// grounded on cmd/api/main.go's Config/loadConfig/envOr pattern.
package config

import (
	"os"
	"strconv"
)

// Config holds all environment-based configuration for the KAIROS server.
type Config struct {
	Port               string
	MetricsPort        string
	VectorStoreURL     string
	VectorCollection   string
	KVURL              string
	EmbeddingURL       string
	EmbeddingDimension int
	SpaceID            string
	ScoreThreshold     float64
	MatchThreshold     float64
	LogLevel           string
	LogFormat          string
	CORSOrigin         string
}

// Load reads Config from the environment, applying spec-mandated defaults.
func Load() Config {
	return Config{
		Port:               envOr("PORT", "8080"),
		MetricsPort:        envOr("METRICS_PORT", "9090"),
		VectorStoreURL:     envOr("VECTOR_STORE_URL", "localhost:6334"),
		VectorCollection:   envOr("VECTOR_COLLECTION", "kairos"),
		KVURL:              envOr("KV_URL", "nats://localhost:4222"),
		EmbeddingURL:       envOr("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingDimension: envIntOr("EMBEDDING_DIMENSION", 768),
		SpaceID:            envOr("KAIROS_APP_SPACE_ID", "default"),
		ScoreThreshold:     envFloatOr("SCORE_THRESHOLD", 0.7),
		MatchThreshold:     envFloatOr("MATCH_THRESHOLD", 0.95),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		CORSOrigin:         envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOr(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
