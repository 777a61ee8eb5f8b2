package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/wardsync/wardsync/pkg/clock"
	"github.com/wardsync/wardsync/pkg/security"
	"github.com/wardsync/wardsync/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/wardsync", "WardSync data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/wardsync.db.backup)")
	target     = flag.Int("target", schemaTarget, "Target schema version")
)

// schemaTarget is the version this build of the tool knows how to
// reach. Older databases are walked up one migration at a time.
const schemaTarget = 2

// migrations is the full ordered chain. Up/Down run inside one
// transaction: any failure rolls the whole run back.
var migrations = []storage.Migration{
	{
		From: 0, To: 1, ID: "baseline",
		Up:   func(tx *bolt.Tx) error { return nil },
		Down: func(tx *bolt.Tx) error { return nil },
	},
	{
		From: 1, To: 2, ID: "verification-state-backfill",
		Up:   backfillVerificationState,
		Down: func(tx *bolt.Tx) error { return nil },
	},
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("WardSync Schema Migration Tool")
	log.Println("==============================")

	dbPath := filepath.Join(*dataDir, "wardsync.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	keyID := os.Getenv("WARDSYNC_ENCRYPTION_KEY_ID")
	if keyID == "" {
		log.Fatal("WARDSYNC_ENCRYPTION_KEY_ID is required")
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	cipher, err := security.NewCipherFromKeyID(keyID)
	if err != nil {
		log.Fatalf("Failed to derive cipher: %v", err)
	}
	store, err := storage.NewBoltStore(*dataDir, cipher, storage.Options{})
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	current, err := store.SchemaVersion()
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	log.Printf("Current schema version: %d", current)
	log.Printf("Target schema version: %d", *target)

	if current >= *target {
		log.Println("✓ Database is already at or beyond the target version")
		return
	}

	if *dryRun {
		log.Println("\n[DRY RUN] Would apply the following migrations:")
		for _, m := range migrations {
			if m.From >= current && m.To <= *target {
				log.Printf("  %d -> %d: %s", m.From, m.To, m.ID)
			}
		}
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storage.DefaultMigrateTimeout)
	defer cancel()

	err = store.Migrate(ctx, *target, migrations, clock.New(), map[string]string{
		"tool": "wardsync-migrate",
	})
	if err != nil {
		log.Fatalf("Migration failed (rolled back): %v", err)
	}

	log.Println("\n✓ Migration completed successfully!")
	for _, rec := range mustApplied(store) {
		log.Printf("  version %d: %s (applied %s)", rec.Version, rec.MigrationID, rec.AppliedAt.Format("2006-01-02 15:04:05"))
	}
}

// backfillVerificationState stamps "pending" on replica records written
// before the verification workflow existed. Sensitive fields stay
// sealed; only the plaintext envelope is touched.
func backfillVerificationState(tx *bolt.Tx) error {
	b := tx.Bucket([]byte("replicas"))
	if b == nil {
		return nil
	}

	// Writes are staged outside the cursor walk; mutating a bucket
	// mid-iteration is not allowed.
	type record map[string]interface{}
	staged := map[string][]byte{}
	err := b.ForEach(func(k, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			log.Printf("⚠ Warning: skipping undecodable record %s: %v", k, err)
			return nil
		}
		if s, _ := rec["verification_state"].(string); s != "" {
			return nil
		}
		rec["verification_state"] = "pending"
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		staged[string(k)] = data
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range staged {
		if err := b.Put([]byte(k), v); err != nil {
			return err
		}
	}
	if err := storage.RehashState(tx); err != nil {
		return err
	}
	updated := len(staged)
	log.Printf("  Backfilled verification_state on %d records", updated)
	return nil
}

func mustApplied(store *storage.BoltStore) []storage.MigrationRecord {
	recs, err := store.AppliedMigrations()
	if err != nil {
		log.Fatalf("Failed to list applied migrations: %v", err)
	}
	return recs
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
