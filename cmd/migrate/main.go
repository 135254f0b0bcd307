package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"allura.org/internal/app"
	"allura.org/internal/docstore/pgstore"
	"allura.org/internal/migrate"
	"allura.org/internal/tool"

	_ "allura.org/internal/tools/tickets"
	_ "allura.org/internal/tools/wiki"
)

func main() {
	log.SetFlags(0)
	var (
		dsn       = pflag.String("dsn", os.Getenv("ALLURA_STORE_DSN"), "PostgreSQL DSN")
		seedsPath = pflag.String("seeds", "", "directory of SQL seed files")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or ALLURA_STORE_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|seed|indexes|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrate.Embedded(), seeds)

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		if seeds == nil {
			log.Fatal("seed needs --seeds")
		}
		err = mgr.Seed(ctx)
	case "indexes":
		var done []string
		done, err = mgr.Indexes(ctx, pgstore.New(db), app.IndexSets(tool.Default())...)
		for _, name := range done {
			fmt.Println("applied", name)
		}
	case "status":
		var history []migrate.Version
		history, err = mgr.Status(ctx)
		for _, v := range history {
			fmt.Printf("%-9s %-40s %s %.12s\n", v.Kind, v.Name, v.AppliedAt.Format(time.RFC3339), v.Checksum)
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
