package hop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/hop/sshconfig"
	"github.com/icotes/fabric/internal/types"
)

// store persists HopCredential records under workspaceRoot/.icotes, preferring
// the SSH-config format and falling back to (and migrating from) the legacy
// JSON format a credential file may have been left in (grounded on
// hop_service.py's _load_credentials / migrate_hop_config.py).
type store struct {
	root   string
	logger zerolog.Logger
}

func newStore(workspaceRoot string, logger zerolog.Logger) *store {
	return &store{root: workspaceRoot, logger: logger.With().Str("component", "hop.store").Logger()}
}

func (s *store) sshDir() string    { return filepath.Join(s.root, ".icotes", "ssh") }
func (s *store) keysDir() string   { return filepath.Join(s.sshDir(), "keys") }
func (s *store) hopDir() string    { return filepath.Join(s.root, ".icotes", "hop") }
func (s *store) configFile() string { return filepath.Join(s.hopDir(), "config") }
func (s *store) legacyJSONFile() string { return filepath.Join(s.sshDir(), "credentials.json") }

func (s *store) ensureDirs() error {
	for _, dir := range []string{s.sshDir(), s.keysDir(), s.hopDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
		_ = os.Chmod(dir, 0o700)
	}
	return nil
}

// storePrivateKey writes keyBytes under keys/<uuid> with 0600 permissions
// and returns the generated key id (spec: "Private keys are stored ...
// with 0600 permissions").
func (s *store) storePrivateKey(keyBytes []byte) (string, error) {
	if err := s.ensureDirs(); err != nil {
		return "", err
	}
	keyID := uuid.NewString()
	path := filepath.Join(s.keysDir(), keyID)
	if err := os.WriteFile(path, keyBytes, 0o600); err != nil {
		return "", fmt.Errorf("store private key: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return keyID, nil
}

func (s *store) keyPath(keyID string) string { return filepath.Join(s.keysDir(), keyID) }

// legacyCredential mirrors the deprecated JSON persistence shape.
type legacyCredential struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Auth         string `json:"auth"`
	PrivateKeyID string `json:"privateKeyId"`
	DefaultPath  string `json:"defaultPath"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// load reads persisted credentials, preferring the config-file format and
// falling back to (and upgrading) the legacy JSON format if present.
func (s *store) load() (map[string]types.HopCredential, error) {
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(s.configFile()); err == nil {
		return s.parseConfig(data), nil
	}

	data, err := os.ReadFile(s.legacyJSONFile())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]types.HopCredential{}, nil
		}
		return nil, fmt.Errorf("read legacy credentials: %w", err)
	}

	s.logger.Warn().Msg("loading credentials from deprecated JSON format; will migrate to config file")
	var legacy []legacyCredential
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy credentials: %w", err)
	}

	creds := make(map[string]types.HopCredential, len(legacy))
	for _, l := range legacy {
		creds[l.ID] = legacyToCredential(l)
	}
	if len(creds) > 0 {
		if err := s.save(creds); err != nil {
			s.logger.Error().Err(err).Msg("failed to write migrated config file")
		}
	}
	return creds, nil
}

func legacyToCredential(l legacyCredential) types.HopCredential {
	c := types.HopCredential{
		ID:           l.ID,
		Name:         l.Name,
		Host:         l.Host,
		Port:         l.Port,
		Username:     l.Username,
		Auth:         types.HopAuthMethod(l.Auth),
		PrivateKeyID: l.PrivateKeyID,
		DefaultPath:  l.DefaultPath,
	}
	if c.Port == 0 {
		c.Port = 22
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, l.CreatedAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, l.UpdatedAt)
	return c
}

func (s *store) parseConfig(data []byte) map[string]types.HopCredential {
	entries := sshconfig.Parse(string(data))
	creds := make(map[string]types.HopCredential, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		createdAt, _ := time.Parse(time.RFC3339, e.CreatedAt)
		updatedAt, _ := time.Parse(time.RFC3339, e.UpdatedAt)
		creds[e.ID] = types.HopCredential{
			ID:           e.ID,
			Name:         e.Host,
			Host:         e.HostName,
			Port:         e.Port,
			Username:     e.User,
			Auth:         types.HopAuthMethod(e.Auth),
			PrivateKeyID: filepath.Base(e.IdentityFile),
			DefaultPath:  e.DefaultPath,
			CreatedAt:    createdAt,
			UpdatedAt:    updatedAt,
		}
	}
	return creds
}

// save atomically rewrites the config file from the given credential set.
func (s *store) save(creds map[string]types.HopCredential) error {
	if err := s.ensureDirs(); err != nil {
		return err
	}
	entries := make([]sshconfig.Entry, 0, len(creds))
	for _, c := range creds {
		entries = append(entries, credentialToEntry(c))
	}
	text := sshconfig.Generate(entries)

	tmp := s.configFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.configFile()); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}
	_ = os.Chmod(s.configFile(), 0o600)
	return nil
}

func credentialToEntry(c types.HopCredential) sshconfig.Entry {
	identityFile := ""
	if c.Auth == types.HopAuthPrivateKey && c.PrivateKeyID != "" {
		identityFile = "~/.icotes/ssh/keys/" + c.PrivateKeyID
	}
	return sshconfig.Entry{
		Host:         c.Name,
		HostName:     c.Host,
		User:         c.Username,
		Port:         c.Port,
		IdentityFile: identityFile,
		ID:           c.ID,
		Auth:         string(c.Auth),
		DefaultPath:  c.DefaultPath,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
}
