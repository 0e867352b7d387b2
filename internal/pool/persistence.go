package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"kirobridge/internal/account"
)

// fileFormat is the on-disk shape of accounts.json (spec.md §4.3
// Persistence: "serializes its account vector ... and current strategy").
type fileFormat struct {
	Strategy StrategyKind   `json:"strategy"`
	Accounts []account.Data `json:"accounts"`
}

func accountsPath(dataDir string) string {
	return filepath.Join(dataDir, "accounts.json")
}

// load reads accounts.json, decrypting secret fields. A missing file
// yields an empty pool at the default strategy, not an error.
func (p *AccountPool) load() error {
	path := accountsPath(p.dataDir)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read accounts file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	if ValidStrategy(ff.Strategy) {
		p.strategy = ff.Strategy
	}

	accounts := make([]*account.Account, 0, len(ff.Accounts))
	for _, d := range ff.Accounts {
		if err := p.decryptSecrets(&d); err != nil {
			return fmt.Errorf("decrypt account %s: %w", d.ID, err)
		}
		accounts = append(accounts, account.New(d))
	}
	p.accounts = accounts
	p.rebuildIndexLocked()
	return nil
}

// save writes the current pool state atomically (write-temp + rename),
// encrypting secret fields. Called from the debounced flush loop, at
// shutdown, and synchronously from EnsureValidToken after a token refresh.
func (p *AccountPool) save() error {
	p.mu.RLock()
	ff := fileFormat{Strategy: p.strategy, Accounts: make([]account.Data, len(p.accounts))}
	for i, a := range p.accounts {
		ff.Accounts[i] = a.Snapshot()
	}
	p.mu.RUnlock()

	for i := range ff.Accounts {
		if err := p.encryptSecrets(&ff.Accounts[i]); err != nil {
			return fmt.Errorf("encrypt account %s: %w", ff.Accounts[i].ID, err)
		}
	}

	raw, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	if err := os.MkdirAll(p.dataDir, 0o700); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	path := accountsPath(p.dataDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename accounts file: %w", err)
	}
	return nil
}

func (p *AccountPool) encryptSecrets(d *account.Data) error {
	if d.RefreshToken != "" {
		enc, err := p.crypto.Encrypt(d.RefreshToken)
		if err != nil {
			return err
		}
		d.RefreshToken = enc
	}
	if d.AccessToken != "" {
		enc, err := p.crypto.Encrypt(d.AccessToken)
		if err != nil {
			return err
		}
		d.AccessToken = enc
	}
	if d.ClientSecret != "" {
		enc, err := p.crypto.Encrypt(d.ClientSecret)
		if err != nil {
			return err
		}
		d.ClientSecret = enc
	}
	return nil
}

func (p *AccountPool) decryptSecrets(d *account.Data) error {
	if d.RefreshToken != "" {
		dec, err := p.crypto.Decrypt(d.RefreshToken)
		if err != nil {
			return err
		}
		d.RefreshToken = dec
	}
	if d.AccessToken != "" {
		dec, err := p.crypto.Decrypt(d.AccessToken)
		if err != nil {
			return err
		}
		d.AccessToken = dec
	}
	if d.ClientSecret != "" {
		dec, err := p.crypto.Decrypt(d.ClientSecret)
		if err != nil {
			return err
		}
		d.ClientSecret = dec
	}
	return nil
}
