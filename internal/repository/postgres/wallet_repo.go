package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/treasury-guard/internal/identity"
)

// WalletDirectory: справочник кошельков в той же базе (identity.source = database).
type WalletDirectory struct {
	db *sql.DB
}

func NewWalletDirectory(db *sql.DB) *WalletDirectory {
	return &WalletDirectory{db: db}
}

func (d *WalletDirectory) Lookup(ctx context.Context, address string) (string, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT display_name FROM wallets WHERE address = $1`,
		strings.ToLower(strings.TrimSpace(address))).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", identity.ErrUnknownAddress
		}
		return "", fmt.Errorf("postgres: failed to lookup wallet: %w", err)
	}
	return name, nil
}

// UpsertWallet регистрирует или переименовывает кошелек.
func (d *WalletDirectory) UpsertWallet(ctx context.Context, address, name string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO wallets (address, display_name) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET display_name = EXCLUDED.display_name`,
		strings.ToLower(strings.TrimSpace(address)), name)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert wallet: %w", err)
	}
	return nil
}
