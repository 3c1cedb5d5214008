package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"forward-factor-scanner/app"
	"forward-factor-scanner/config"
)

func main() {
	cfg := config.LoadFromEnv()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("🚨 Startup failed: %v", err)
	}

	application.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	application.Stop()
}
