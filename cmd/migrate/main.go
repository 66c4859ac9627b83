// Command migrate applies or rolls back the Postgres session schema.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/silkroad/internal/platform/migrations"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Path to .env file providing DATABASE_URL")
		dsn     = flag.String("dsn", "", "Postgres DSN (overrides DATABASE_URL)")
		down    = flag.Int("down", 0, "Roll back this many migrations instead of applying")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load env (%s): %v", *envFile, err)
	}

	target := *dsn
	if target == "" {
		target = os.Getenv("DATABASE_URL")
	}
	if target == "" {
		log.Fatal("no database: pass -dsn or set DATABASE_URL")
	}

	var (
		version uint
		err     error
	)
	if *down > 0 {
		version, err = migrations.Down(target, *down)
	} else {
		version, err = migrations.Up(target)
	}
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Printf("schema at version %d\n", version)
}

func init() {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[migrate] ")
}
