package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hdresearch/vmswarm/internal/config"
	"github.com/hdresearch/vmswarm/internal/store"
	"github.com/hdresearch/vmswarm/internal/vault"
)

// storeSecrets joins the SQLite secret rows with the vault that can
// decrypt them. Workers receive the decrypted values as environment
// variables at spawn time.
type storeSecrets struct {
	store *store.Store
	vault *vault.Vault
}

func (s *storeSecrets) EnvVars() (map[string]string, error) {
	names, err := s.store.ListSecretNames()
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(names))
	for _, name := range names {
		sec, err := s.store.GetSecret(name)
		if err != nil {
			return nil, err
		}
		if sec == nil {
			continue
		}
		value, err := s.vault.DecryptString(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
		}
		vars[envName(name)] = value
	}
	return vars, nil
}

// envName maps a secret name onto a shell-safe variable name.
func envName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("VMSWARM_VAULT_PASSPHRASE is required")
	}

	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return secretList(db)
	case "set":
		return secretSet(db, v, args[1:])
	case "get":
		return secretGet(db, v, args[1:])
	case "delete":
		return secretDelete(db, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: vmswarm secret <command>

Commands:
  list                  List secret names
  set <name> <value>    Store an encrypted secret
  get <name>            Decrypt and print a secret
  delete <name>         Delete a secret

Environment:
  VMSWARM_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func secretList(db *store.Store) error {
	names, err := db.ListSecretNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENV VAR")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, envName(name))
	}
	return w.Flush()
}

func secretSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: vmswarm secret set <name> <value>")
	}

	ciphertext, nonce, err := v.EncryptString(args[1])
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	if err := db.SaveSecret(&store.Secret{Name: args[0], Value: ciphertext, Nonce: nonce}); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", args[0])
	return nil
}

func secretGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vmswarm secret get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.DecryptString(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Print(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func secretDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: vmswarm secret delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
