package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// fileConfig is the YAML shape. Durations are Go duration strings ("30s").
type fileConfig struct {
	Mode          string `yaml:"mode"`
	ShutdownGrace string `yaml:"shutdown_grace"`
	Server        struct {
		Addr      string `yaml:"addr"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Scheduler struct {
		Tick              string `yaml:"tick"`
		Workers           int    `yaml:"workers"`
		ExecTimeout       string `yaml:"exec_timeout"`
		StaleAfter        string `yaml:"stale_after"`
		RetryBase         string `yaml:"retry_base"`
		RetryMaxDelay     string `yaml:"retry_max_delay"`
		HistoryRetention  *int   `yaml:"history_retention"`
		DefaultMaxRetries *int   `yaml:"default_max_retries"`
		Timezone          string `yaml:"timezone"`
	} `yaml:"scheduler"`
	Store struct {
		Driver      string `yaml:"driver"`
		StateDir    string `yaml:"state_dir"`
		PostgresDSN string `yaml:"postgres_dsn"`
		AutoMigrate *bool  `yaml:"auto_migrate"`
	} `yaml:"store"`
	Notification struct {
		DefaultPlatform string `yaml:"default_platform"`
		RatePerSec      int    `yaml:"rate_per_sec"`
		Bark            struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"bark"`
		Telegram struct {
			Enabled       bool   `yaml:"enabled"`
			Token         string `yaml:"token"`
			DefaultChatID int64  `yaml:"default_chat_id"`
			APIURL        string `yaml:"api_url"`
		} `yaml:"telegram"`
	} `yaml:"notification"`
	AI struct {
		BaseURL         string `yaml:"base_url"`
		APIKey          string `yaml:"api_key"`
		APIKeyEncrypted string `yaml:"api_key_encrypted"`
		KeySecret       string `yaml:"key_secret"`
		Model           string `yaml:"model"`
		SystemPrompt    string `yaml:"system_prompt"`
		MaxTokens       int    `yaml:"max_tokens"`
		Timeout         string `yaml:"timeout"`
	} `yaml:"ai"`
	Webhook struct {
		Timeout    string `yaml:"timeout"`
		RatePerSec int    `yaml:"rate_per_sec"`
		UserAgent  string `yaml:"user_agent"`
	} `yaml:"webhook"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc.apply(cfg)
}

func (fc *fileConfig) apply(cfg *Config) error {
	var errs []error
	str := func(src string, dst *string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	num := func(src int, dst *int) {
		if src != 0 {
			*dst = src
		}
	}
	dur := func(path, src string, dst *time.Duration) {
		d, err := ParseDurationOrDefault(path, src, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	str(fc.Mode, &cfg.Mode)
	dur("shutdown_grace", fc.ShutdownGrace, &cfg.ShutdownGrace)
	str(fc.Server.Addr, &cfg.Server.Addr)
	str(fc.Server.AuthToken, &cfg.Server.AuthToken)
	str(fc.Log.Level, &cfg.Log.Level)
	str(fc.Log.Format, &cfg.Log.Format)

	s := fc.Scheduler
	dur("scheduler.tick", s.Tick, &cfg.Scheduler.Tick)
	num(s.Workers, &cfg.Scheduler.Workers)
	dur("scheduler.exec_timeout", s.ExecTimeout, &cfg.Scheduler.ExecTimeout)
	dur("scheduler.stale_after", s.StaleAfter, &cfg.Scheduler.StaleAfter)
	dur("scheduler.retry_base", s.RetryBase, &cfg.Scheduler.RetryBase)
	dur("scheduler.retry_max_delay", s.RetryMaxDelay, &cfg.Scheduler.RetryMaxDelay)
	if s.HistoryRetention != nil {
		cfg.Scheduler.HistoryRetention = *s.HistoryRetention
	}
	if s.DefaultMaxRetries != nil {
		cfg.Scheduler.DefaultMaxRetries = *s.DefaultMaxRetries
	}
	str(s.Timezone, &cfg.Scheduler.Timezone)

	str(fc.Store.Driver, &cfg.Store.Driver)
	str(fc.Store.StateDir, &cfg.Store.StateDir)
	str(fc.Store.PostgresDSN, &cfg.Store.PostgresDSN)
	if fc.Store.AutoMigrate != nil {
		cfg.Store.AutoMigrate = *fc.Store.AutoMigrate
	}

	n := fc.Notification
	str(n.DefaultPlatform, &cfg.Notification.DefaultPlatform)
	num(n.RatePerSec, &cfg.Notification.RatePerSec)
	cfg.Notification.Bark.Enabled = cfg.Notification.Bark.Enabled || n.Bark.Enabled
	str(n.Bark.URL, &cfg.Notification.Bark.URL)
	cfg.Notification.Telegram.Enabled = cfg.Notification.Telegram.Enabled || n.Telegram.Enabled
	str(n.Telegram.Token, &cfg.Notification.Telegram.Token)
	str(n.Telegram.APIURL, &cfg.Notification.Telegram.APIURL)
	if n.Telegram.DefaultChatID != 0 {
		cfg.Notification.Telegram.DefaultChatID = n.Telegram.DefaultChatID
	}

	a := fc.AI
	str(a.BaseURL, &cfg.AI.BaseURL)
	str(a.APIKey, &cfg.AI.APIKey)
	str(a.APIKeyEncrypted, &cfg.AI.APIKeyEncrypted)
	str(a.KeySecret, &cfg.AI.KeySecret)
	str(a.Model, &cfg.AI.Model)
	str(a.SystemPrompt, &cfg.AI.SystemPrompt)
	num(a.MaxTokens, &cfg.AI.MaxTokens)
	dur("ai.timeout", a.Timeout, &cfg.AI.Timeout)

	dur("webhook.timeout", fc.Webhook.Timeout, &cfg.Webhook.Timeout)
	num(fc.Webhook.RatePerSec, &cfg.Webhook.RatePerSec)
	str(fc.Webhook.UserAgent, &cfg.Webhook.UserAgent)
	return errors.Join(errs...)
}
