package notification

import (
	"os"
	"strconv"
	"time"
)

// Config holds mail delivery settings.
type Config struct {
	AppName   string
	Lang      string
	SpamDelay time.Duration
	QueueSize int
	SMTP      SMTPConfig
}

// SMTPConfig describes the relay. An empty Host selects the log mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	FromName string
	FromAddr string
}

// ConfigFromEnv reads APP_NAME, APP_LANG, SMTP_* and SMTP_SPAM_DELAY.
func ConfigFromEnv() Config {
	cfg := Config{
		AppName:   os.Getenv("APP_NAME"),
		Lang:      os.Getenv("APP_LANG"),
		SpamDelay: time.Second,
		QueueSize: 256,
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     587,
			User:     os.Getenv("SMTP_USER"),
			Pass:     os.Getenv("SMTP_PASS"),
			FromName: os.Getenv("SMTP_FROM_NAME"),
			FromAddr: os.Getenv("SMTP_FROM_ADDR"),
		},
	}
	if cfg.AppName == "" {
		cfg.AppName = "Accounts"
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if p, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil && p > 0 {
		cfg.SMTP.Port = p
	}
	// SMTP_SPAM_DELAY accepts a duration ("500ms") or plain milliseconds
	if v := os.Getenv("SMTP_SPAM_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SpamDelay = d
		} else if ms, err := strconv.Atoi(v); err == nil {
			cfg.SpamDelay = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}
