package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"relay-api/internal/database"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
)

func main() {
	dsn := flag.String("dsn", "", "Write vitess DSN")
	timeout := flag.Duration("timeout", time.Minute, "Migration timeout")

	_ = godotenv.Load()
	if err := eflag.SetFlagsFromEnvironment(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading environment: %v\n", err)
		os.Exit(1)
	}
	flag.Parse()
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DSN environment variable or -dsn flag is required")
		os.Exit(1)
	}

	// Built-in schema unless a migration file is given
	script := database.Schema
	if path := flag.Arg(0); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading migration file %s: %v\n", path, err)
			os.Exit(1)
		}
		script = string(raw)
	}

	db, err := sql.Open("mysql", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging database: %v\n", err)
		os.Exit(1)
	}
	if err := database.Migrate(ctx, db, script); err != nil {
		fmt.Fprintf(os.Stderr, "Error running migration: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migration completed successfully!")
}
