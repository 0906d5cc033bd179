package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/hostpanel/hostpanel/pkg/stores"
)

const sampleSettings = `# hostpanel settings

manifests:
  - %[1]s

database:
  path: %[2]s

hosts:
  - name: local
    local: true
    state_dir: %[3]s
#  - name: web1
#    address: 192.0.2.10
#    user: root
#    key_path: %[4]s

routes:
  - {backend: php, host: local}
  - {backend: apache2, host: local}
  - {backend: mailman, host: local}
  - {backend: mysql, host: local}

coordination:
  state_dir: %[3]s

policy:
  max_processes: 10
  max_timeout: 300

billing:
  currency: EUR
  language: en
  number_length: 4
  payment_methods:
    sepa: {due_months: 1}
    transfer: {due_days: 15}

telemetry:
  logging:
    level: info
    format: console
  tracing:
    enabled: false
    exporter: none
  metrics:
    enabled: true
    listen_address: ":9090"
`

const sampleManifest = `// Resources provisioned by hostpanel.
resources: [
	{kind: "webapp", name: "blog", account: "acme", type: "php", php_version: "8.2-fpm", options: {processes: 2}},
	{kind: "website", name: "www", account: "acme", domains: ["example.com", "www.example.com"], mounts: [{path: "/", webapp: "blog"}]},
	{kind: "database", name: "blog", account: "acme", users: [{username: "blog", password: "change-me"}]},
]
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a panel workspace",
		Long: `Initialize a workspace with sample settings, a sample resource manifest,
a migrated SQLite database and an SSH key for managed hosts.

Existing settings and manifests are kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  panel init

  # Initialize with a custom settings path
  panel init --config /etc/hostpanel/panel.yaml --data /var/lib/hostpanel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = defaultSettingsFile
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(path), "data")
			}

			log.Info().Str("config", path).Str("data", dataDir).Msg("Initializing workspace")
			fmt.Printf("Initializing hostpanel workspace in %s\n\n", dataDir)

			stateDir := filepath.Join(dataDir, "state")
			keysDir := filepath.Join(dataDir, "keys")
			for _, dir := range []string{dataDir, stateDir, keysDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			keyPath := filepath.Join(keysDir, "default-ed25519")
			if err := writeKeyPair(keyPath); err != nil {
				return err
			}

			manifestPath := filepath.Join(filepath.Dir(path), "resources.cue")
			dbPath := filepath.Join(dataDir, "panel.db")
			settings := fmt.Sprintf(sampleSettings, manifestPath, dbPath, stateDir, keyPath)

			if err := writeSample(path, settings, force); err != nil {
				return err
			}
			if err := writeSample(manifestPath, sampleManifest, force); err != nil {
				return err
			}

			store, err := stores.Open(cmd.Context(), stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer store.Close()
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			fmt.Printf("\nWorkspace initialized.\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Review %s and %s\n", path, manifestPath)
			fmt.Printf("  2. Check them:   panel validate\n")
			fmt.Printf("  3. Preview:      panel plan\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", "", "data directory (default: data/ next to the settings file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing settings and manifest")

	return cmd
}

func writeSample(path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("✓ Keeping existing file: %s\n", path)
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Printf("✓ Created file: %s\n", path)
	return nil
}

func writeKeyPair(keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Printf("✓ SSH keypair already exists: %s\n", keyPath)
		return nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "hostpanel")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Printf("✓ Generated SSH keypair: %s\n", keyPath)
	return nil
}
