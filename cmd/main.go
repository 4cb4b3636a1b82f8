package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var version = "dev"

func main() {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	if err := rootCmd().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("imgpipe failed")
	}
}
