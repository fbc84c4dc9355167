package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lesson-service/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	// .env is for local development only, missing file is fine
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	application, err := app.New()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	go func() {
		if err := application.Run(); err != nil {
			log.Fatalf("failed to run application: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		log.Fatalf("failed to shutdown gracefully: %v", err)
	}
}
