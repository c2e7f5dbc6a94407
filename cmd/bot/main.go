package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/deepfake-api/internal/bootstrap"
	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/pipeline"
	"github.com/Brownie44l1/deepfake-api/internal/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $DEEPSHIELD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Console)

	if err := run(cfg, log); err != nil {
		log.Error("bot", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is empty, set TELEGRAM_BOT_TOKEN")
	}
	variant, err := pipeline.ParseVariant(cfg.Telegram.Variant)
	if err != nil {
		return err
	}
	if vc := cfg.Variants[string(variant)]; !vc.Enabled {
		return fmt.Errorf("telegram.variant %s is not enabled", variant)
	}

	defer model.DestroyRuntime()
	pipelines, err := bootstrap.OpenVariants(cfg, log, string(variant))
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer pipelines.Close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("telegram login: %w", err)
	}
	log.Info("bot", "authorized", map[string]interface{}{"username": api.Self.UserName, "variant": variant})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot := telegram.New(api, pipelines.Get(variant), cfg.Server.MaxUploadMB<<20, log)
	bot.Poll(ctx)
	return nil
}
