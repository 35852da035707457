package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/relayhq/modmail/handler"
)

func init() {
	// .env は任意。無ければ環境変数だけで動く
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", slog.Any("err", err))
	}

	requiredEnv := []string{
		"SLACK_BOT_TOKEN",
		"SLACK_APP_TOKEN",
		"MODMAIL_CHANNEL",
	}
	for _, env := range requiredEnv {
		if os.Getenv(env) == "" {
			slog.Error("required environment variable not set", slog.String("env", env))
			os.Exit(1)
		}
	}
}

func main() {
	h, err := handler.NewHandler()
	if err != nil {
		slog.Error("NewHandler failed", slog.Any("err", err))
		os.Exit(1)
	}

	slog.Info("ModMail relay starting")
	if err := h.Handle(); err != nil {
		slog.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
