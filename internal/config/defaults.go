package config

import "github.com/knadh/koanf/v2"

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.port":          8080,
		"server.read_timeout":  "15s",
		"server.write_timeout": "30s",

		"database.max_connections": 10,

		"redis.health_check_interval": "30s",
		"redis.dial_timeout":          "5s",
		"redis.read_timeout":          "10s",
		"redis.write_timeout":         "5s",
		"redis.pool_size":             20,

		"source.region":           "us-east-1",
		"source.create_bucket":    true,
		"source.max_retries":      3,
		"source.retry_base_delay": "300ms",

		"destination.region":           "auto",
		"destination.max_retries":      3,
		"destination.retry_base_delay": "300ms",
		"destination.presign_ttl":      "168h",

		"queue.prefix":             "imgpipe:{image-convert}",
		"queue.group":              "converters",
		"queue.workers":            5,
		"queue.rate_limit":         20,
		"queue.rate_window":        "1s",
		"queue.max_processing":     "60s",
		"queue.max_attempts":       6,
		"queue.backoff_base":       "5s",
		"queue.backoff_multiplier": 2.0,
		"queue.block_timeout":      "5s",
		"queue.promote_interval":   "1s",
		"queue.completed_age":      "24h",
		"queue.completed_count":    1000,
		"queue.failed_age":         "336h",
		"queue.janitor_interval":   "10m",
		"queue.reclaim_interval":   "30s",

		"scheduler.chunk_size":          1000,
		"scheduler.backpressure_factor": 1.5,
		"scheduler.discovery_schedule":  "@every 30m",
		"scheduler.status_schedule":     "@every 5m",
		"scheduler.tick_timeout":        "10m",
		"scheduler.run_on_start":        true,

		"transform.max_width":  1200,
		"transform.quality":    60,
		"transform.max_pixels": 100_000_000,

		"api.upload_prefix":           "uploads/",
		"api.max_request_body_mb":     50,
		"api.max_multipart_memory_mb": 10,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}
