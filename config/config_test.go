package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AWSRegion != "eu-west-1" {
		t.Errorf("AWSRegion default = %q", cfg.AWSRegion)
	}
	if cfg.RefreshMargin != 5*time.Minute {
		t.Errorf("RefreshMargin default = %v", cfg.RefreshMargin)
	}
	if cfg.SuspensionDuration != 10*time.Hour {
		t.Errorf("SuspensionDuration default = %v", cfg.SuspensionDuration)
	}
	if cfg.ReceiveMax != 10 || cfg.ReceiveWait != 20*time.Second {
		t.Errorf("receive defaults = %d / %v", cfg.ReceiveMax, cfg.ReceiveWait)
	}
	if cfg.SuspensionReason == "" {
		t.Error("SuspensionReason should have a default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_REFRESH_MARGIN", "90s")
	t.Setenv("SUSPENSION_DURATION", "1h")
	t.Setenv("QUEUE_RECEIVE_MAX", "5")
	t.Setenv("EVENT_QUEUE_URL", "https://sqs.example/events")
	t.Setenv("VERDICT_QUEUE_URL", "https://sqs.example/verdicts")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RefreshMargin != 90*time.Second {
		t.Errorf("RefreshMargin = %v", cfg.RefreshMargin)
	}
	if cfg.SuspensionDuration != time.Hour {
		t.Errorf("SuspensionDuration = %v", cfg.SuspensionDuration)
	}
	if cfg.ReceiveMax != 5 {
		t.Errorf("ReceiveMax = %d", cfg.ReceiveMax)
	}
	if err := cfg.ValidateQueueReady(); err != nil {
		t.Errorf("ValidateQueueReady: %v", err)
	}
}

func TestLoadRejectsBadReceiveMax(t *testing.T) {
	t.Setenv("QUEUE_RECEIVE_MAX", "11")
	if _, err := Load(); err == nil {
		t.Error("expected error for QUEUE_RECEIVE_MAX=11")
	}
}

func TestValidateHelpers(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateChatReady(); err == nil {
		t.Error("ValidateChatReady should fail on empty config")
	}
	if err := cfg.ValidateQueueReady(); err == nil {
		t.Error("ValidateQueueReady should fail on empty config")
	}
	if err := cfg.ValidatePlatformReady(); err == nil {
		t.Error("ValidatePlatformReady should fail on empty config")
	}
	cfg.TwitchChannel = "somechannel"
	cfg.TwitchBotUsername = "wardenbot"
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("ValidateChatReady: %v", err)
	}
}
