// Package main provides a CLI tool for minting connection tokens, mainly
// for local development and load testing against a running backend.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	name := flag.String("name", "", "player display name (required)")
	subject := flag.String("subject", "", "stable player id, typically an email (required)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *name == "" || *subject == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	token, err := verifier.Issue(auth.Identity{Name: *name, SubjectID: *subject}, *ttl)
	if err != nil {
		log.Fatalf("signing token: %v", err)
	}

	fmt.Fprintln(os.Stdout, token)
}
