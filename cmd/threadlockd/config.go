package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/threadlock/internal/feed"
	"github.com/danmuck/threadlock/internal/service"
)

type fileConfig struct {
	AdminID        string   `toml:"admin_id"`
	Prefix         string   `toml:"prefix"`
	ListenAddr     string   `toml:"listen_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	IngressToken   string   `toml:"ingress_token"`
	StoreBackend   string   `toml:"store_backend"`
	StoreDir       string   `toml:"store_dir"`
	SQLitePath     string   `toml:"sqlite_path"`
	FeedBackend    string   `toml:"feed_backend"`
	FeedTopic      string   `toml:"feed_topic"`
	RedisURL       string   `toml:"redis_url"`
	RedisGroup     string   `toml:"redis_group"`
	RedisConsumer  string   `toml:"redis_consumer"`
	PlatformURL    string   `toml:"platform_url"`
	PlatformToken  string   `toml:"platform_token"`
	RemoteTimeout  string   `toml:"remote_timeout"`
	RolloutEvery   string   `toml:"rollout_interval"`
	NicknameSettle string   `toml:"nickname_settle"`
	Heartbeat      string   `toml:"heartbeat"`
}

func loadServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := service.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.ServiceConfig{}, fmt.Errorf("load threadlock config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return service.ServiceConfig{}, fmt.Errorf("load threadlock config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("admin_id") {
		cfg.Gate.AdminID = strings.TrimSpace(raw.AdminID)
	}
	if meta.IsDefined("prefix") {
		cfg.Gate.Prefix = raw.Prefix
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("ingress_token") {
		cfg.IngressToken = strings.TrimSpace(raw.IngressToken)
	}

	if meta.IsDefined("store_backend") {
		cfg.StoreBackend = service.StoreBackend(strings.ToLower(strings.TrimSpace(raw.StoreBackend)))
	}
	if meta.IsDefined("store_dir") {
		cfg.StoreDir = strings.TrimSpace(raw.StoreDir)
	}
	if meta.IsDefined("sqlite_path") {
		cfg.SQLitePath = strings.TrimSpace(raw.SQLitePath)
	}

	if meta.IsDefined("feed_backend") {
		cfg.Feed.Backend = feed.Backend(strings.ToLower(strings.TrimSpace(raw.FeedBackend)))
	}
	if meta.IsDefined("feed_topic") {
		cfg.Feed.Topic = strings.TrimSpace(raw.FeedTopic)
	}
	if meta.IsDefined("redis_url") {
		cfg.Feed.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("redis_group") {
		cfg.Feed.RedisGroup = strings.TrimSpace(raw.RedisGroup)
	}
	if meta.IsDefined("redis_consumer") {
		cfg.Feed.RedisConsumer = strings.TrimSpace(raw.RedisConsumer)
	}

	if meta.IsDefined("platform_url") {
		cfg.PlatformURL = strings.TrimSpace(raw.PlatformURL)
	}
	if meta.IsDefined("platform_token") {
		cfg.PlatformToken = strings.TrimSpace(raw.PlatformToken)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"remote_timeout", raw.RemoteTimeout, &cfg.RemoteTimeout},
		{"rollout_interval", raw.RolloutEvery, &cfg.Rollout.Interval},
		{"nickname_settle", raw.NicknameSettle, &cfg.Reconcile.NicknameSettle},
		{"heartbeat", raw.Heartbeat, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return service.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v < 0 {
			return service.ServiceConfig{}, fmt.Errorf("parse %s: negative duration %s", d.key, v)
		}
		*d.dst = v
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
