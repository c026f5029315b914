package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/heraldhq/herald/internal/auth/oauth"
	"github.com/heraldhq/herald/internal/auth/session"
	"github.com/heraldhq/herald/internal/auth/token"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/db"
	"github.com/heraldhq/herald/internal/server"
	"github.com/heraldhq/herald/internal/version"
)

func main() {
	configPath := flag.String("config", "herald.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	signingKey, err := db.EnsureSigningKey(database, cfg.SigningKey)
	if err != nil {
		log.Fatalf("Failed to resolve signing key: %v", err)
	}

	codec, err := token.NewCodec(token.Config{
		SigningKey: []byte(signingKey),
		AccessTTL:  cfg.AccessTTL,
		Issuer:     cfg.Issuer,
	})
	if err != nil {
		log.Fatalf("Failed to build token codec: %v", err)
	}

	sessions := session.NewService(database, codec, session.NewStore(database), cfg.RefreshTTL)
	sessions.StartCleanupLoop(context.Background(), time.Hour)

	linker := oauth.NewLinker(database, cfg.Providers, cfg.RemoteTimeout)

	handlers := server.NewHandlers(sessions, linker, cfg.AccessTTL, cfg.RefreshTTL)
	router := server.NewRouter(handlers, sessions)

	addr := cfg.Listen
	if addr == "" {
		host := os.Getenv("HOST")
		if host == "" {
			host = "127.0.0.1" // set HOST=0.0.0.0 for LAN access
		}
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		addr = host + ":" + port
	}

	log.Printf("🚀 Herald %s starting on http://%s", version.Version, addr)
	log.Printf("🔐 Auth endpoints: http://%s/auth", addr)
	if len(cfg.Providers) == 0 {
		log.Printf("⚠️ No OAuth providers configured; logins will fail until %s lists one", *configPath)
	}

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
