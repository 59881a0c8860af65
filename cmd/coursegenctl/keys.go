package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefix      = "cg_"
	keyRandomBytes = 24
	keyPrefixLen   = 8
)

var (
	keyOwner  string
	keyName   string
	keyScopes []string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage owner API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key for an owner",
	Long:  "Creates the owner on first use and prints the raw key once. Only its bcrypt hash is stored.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ownerID, err := uuid.Parse(keyOwner)
		if err != nil {
			return fmt.Errorf("--owner must be a UUID: %w", err)
		}
		if strings.TrimSpace(keyName) == "" {
			return fmt.Errorf("--name is required")
		}

		raw, key, err := newAPIKey(ownerID, keyName, keyScopes, time.Now().UTC())
		if err != nil {
			return err
		}

		db, err := config.LoadDatabase()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		pool, err := store.Connect(cmd.Context(), db)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		st := store.NewPostgresStore(pool)

		if _, err := st.EnsureOwner(cmd.Context(), ownerID); err != nil {
			return fmt.Errorf("ensure owner: %w", err)
		}
		if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
			return fmt.Errorf("create api key: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "API key for owner %s (store it now, it is not shown again):\n", ownerID)
		fmt.Fprintln(out, raw)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysCreateCmd)
	keysCreateCmd.Flags().StringVar(&keyOwner, "owner", "", "owner UUID")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "human-readable key name")
	keysCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", []string{"jobs"}, "comma-separated scopes")
	_ = keysCreateCmd.MarkFlagRequired("owner")
	_ = keysCreateCmd.MarkFlagRequired("name")
}

// newAPIKey returns a fresh raw key and the row to store for it.
func newAPIKey(ownerID uuid.UUID, name string, scopes []string, now time.Time) (string, *models.APIKey, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	if len(scopes) == 0 {
		scopes = []string{"jobs"}
	}
	return raw, &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
