package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"consentgate.org/internal/migrate"
	pgstore "consentgate.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("CG_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: embedded)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (default: embedded)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CG_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, source(*migrationsPath, pgstore.Migrations()), source(*seedsPath, pgstore.Seeds()))

	var applied []string
	switch flag.Arg(0) {
	case "up":
		applied, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			applied = []string{name}
		}
	case "seed":
		applied, err = mgr.Seed(ctx)
	case "status":
		applied, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, item := range applied {
		fmt.Println(item)
	}
}

func source(dir string, embedded fs.FS) fs.FS {
	if dir == "" {
		return embedded
	}
	return os.DirFS(dir)
}
