package main

import (
	"flag"
	"fmt"
	"os"

	"househub/internal/config"
	"househub/internal/middleware"

	"github.com/google/uuid"
)

// Mints a token for local testing with the secret the server would load.
func main() {
	userFlag := flag.String("user", "", "user id to issue the token for (random if empty)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	userID := uuid.New()
	if *userFlag != "" {
		if userID, err = uuid.Parse(*userFlag); err != nil {
			fmt.Fprintf(os.Stderr, "invalid user id %q: %v\n", *userFlag, err)
			os.Exit(1)
		}
	}

	token, err := middleware.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("User:  %s\n", userID)
	fmt.Printf("Token: %s\n", token)
}
