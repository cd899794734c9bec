package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

const starterCatalog = `// Blueprint types served by blueprintd. Edit and save: the daemon reloads
// this directory while running when catalog.watch is set.
types: {
	"k8s-small": {
		kind:    "k8s"
		network: "mgmt"
		params: {control_plane: 1, workers: 2, flavor: "m1.large"}
		operations: {
			init: stages: [{
				name: "provision"
				build: [
					{method: "reserve_addresses"},
					{method: "create_vms", callback: "vim_confirmed", timeout: "10m"},
				]
				configure: [{method: "assign_addresses"}, {method: "publish_endpoint"}]
			}]
			scale: stages: [{
				build: [
					{method: "scale_out"},
					{method: "create_vms", callback: "vim_confirmed"},
				]
				configure: [{method: "assign_addresses"}]
			}]
			destroy: stages: [{
				teardown: [{method: "delete_vms"}, {method: "release_addresses"}]
			}]
		}
	}
}
`

const starterTopology = `networks:
  - name: mgmt
    pools:
      - start: 10.20.0.10
        end: 10.20.0.250
`

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a blueprintd data directory",
		Long: `Initialize a data directory with a migrated database, a settings file,
a starter catalog, a starter network topology and the SSH key used for
configuration pushes.

Existing files are left untouched, so init is safe to re-run.`,
		Example: `  # Initialize ./data and write ./blueprintd.yaml
  blueprintd init

  # Initialize a system-wide installation
  blueprintd init --data-dir /var/lib/blueprintd --config /etc/blueprintd/blueprintd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				path = "./blueprintd.yaml"
			}

			log.Info().
				Str("data_dir", dataDir).
				Str("config", path).
				Msg("Initializing data directory")

			absData, err := filepath.Abs(dataDir)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", dataDir, err)
			}

			s := config.DefaultSettings()
			s.DataDir = absData
			s.Database.Path = filepath.Join(absData, "blueprintd.db")
			s.Catalog.Dir = filepath.Join(absData, "catalog")
			s.SSH.KeyFile = filepath.Join(absData, "ssh", "id_ed25519")
			s.Backup.Dir = filepath.Join(absData, "backups")
			s.Networks.File = filepath.Join(absData, "networks.yaml")

			fmt.Printf("Initializing blueprintd in %s\n\n", absData)

			for _, dir := range []string{absData, s.Catalog.Dir, filepath.Dir(s.SSH.KeyFile), s.Backup.Dir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			store, err := openStore(ctx, s)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", s.Database.Path)

			if err := config.WriteSettings(path, s); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return err
				}
				fmt.Printf("✓ Config file already exists: %s\n", path)
			} else {
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			catalogFile := filepath.Join(s.Catalog.Dir, "blueprints.cue")
			created, err := writeIfMissing(catalogFile, starterCatalog)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created starter catalog: %s\n", catalogFile)
			}

			created, err = writeIfMissing(s.Networks.File, starterTopology)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created network topology: %s\n", s.Networks.File)
			}

			created, err = generateKeyPair(s.SSH.KeyFile)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Generated SSH keypair: %s\n", s.SSH.KeyFile)
			} else {
				fmt.Printf("✓ SSH keypair already exists: %s\n", s.SSH.KeyFile)
			}

			fmt.Printf("\n✅ blueprintd initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Check the catalog and topology:\n")
			fmt.Printf("     blueprintd validate -c %s\n\n", path)
			fmt.Printf("  2. Start the daemon:\n")
			fmt.Printf("     blueprintd serve -c %s\n\n", path)

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory")

	return cmd
}

// writeIfMissing creates path with content unless it already exists.
func writeIfMissing(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// generateKeyPair writes an ed25519 key in OpenSSH format plus its public half.
func generateKeyPair(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "blueprintd")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}

	return true, nil
}
