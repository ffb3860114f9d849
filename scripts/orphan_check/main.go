// Command orphan_check cross-references the materials table with the blob
// directory and reports any drift: rows whose file is missing on disk, and
// files on disk no row references. The service deletes blob-first and rolls
// back failed inserts, so a non-empty report points at manual intervention or
// a crash window worth investigating.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type materialRef struct {
	ID       string `db:"id"`
	FilePath string `db:"file_path"`
}

func main() {
	var (
		dsn        string
		uploadsDir string
		timeout    time.Duration
	)

	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&uploadsDir, "uploads", "./uploads", "Blob storage directory")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Query timeout")
	flag.Parse()

	if dsn == "" {
		log.Fatal("missing -dsn (or DATABASE_URL)")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var refs []materialRef
	if err := db.SelectContext(ctx, &refs, `SELECT id, file_path FROM materials`); err != nil {
		log.Fatalf("failed to list materials: %v", err)
	}

	referenced := make(map[string]string, len(refs))
	missing := 0
	for _, ref := range refs {
		referenced[ref.FilePath] = ref.ID
		if _, err := os.Stat(filepath.Join(uploadsDir, ref.FilePath)); os.IsNotExist(err) {
			fmt.Printf("MISSING BLOB  material=%s path=%s\n", ref.ID, ref.FilePath)
			missing++
		}
	}

	entries, err := os.ReadDir(uploadsDir)
	if err != nil {
		log.Fatalf("failed to read uploads directory: %v", err)
	}

	orphaned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := referenced[entry.Name()]; !ok {
			fmt.Printf("ORPHAN BLOB   path=%s\n", entry.Name())
			orphaned++
		}
	}

	fmt.Printf("\nchecked %d rows, %d files: %d missing blobs, %d orphan blobs\n",
		len(refs), len(entries), missing, orphaned)
	if missing > 0 || orphaned > 0 {
		os.Exit(1)
	}
}
