package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/snapshot"
	"github.com/blueprintd/blueprintd/pkg/stores"
)

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		s.Telemetry.Logging.Level = "debug"
	}
	return s, nil
}

// openStore opens and migrates the database named by the settings.
func openStore(ctx context.Context, s *config.Settings) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         s.Database.Path,
		MaxOpenConns: s.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// loadCatalog parses every CUE file under dir. Parse errors are reported
// through catalog.Err().
func loadCatalog(ctx context.Context, dir string) (*config.Catalog, []string, error) {
	parser := config.NewCUEParser()
	files, err := parser.LoadFromDirectory(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list catalog %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no .cue files found in %s", dir)
	}
	catalog, err := parser.Parse(ctx, files)
	if err != nil {
		return nil, files, err
	}
	return catalog, files, nil
}

func newBackend(ctx context.Context, s *config.Settings) (snapshot.Backend, error) {
	b := s.Backup
	switch b.Backend {
	case "s3":
		return snapshot.NewS3Backend(ctx, snapshot.S3Config{
			Bucket:    b.Bucket,
			Prefix:    b.Prefix,
			Region:    b.Region,
			Endpoint:  b.Endpoint,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			PathStyle: b.PathStyle,
		})
	case "local", "":
		return snapshot.NewLocalBackend(b.Dir)
	default:
		return nil, fmt.Errorf("unknown backup backend %q", b.Backend)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
