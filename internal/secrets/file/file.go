// Package file stores bundles on the local filesystem. It is meant for
// development and tests; production deployments use the azure store.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/vpnconnector/internal/secrets"
)

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("file secret store: dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file secret store: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) credPath(id string) string   { return filepath.Join(s.dir, id+".json") }
func (s *Store) configPath(id string) string { return filepath.Join(s.dir, id+".conf") }

func (s *Store) Put(_ context.Context, id string, b secrets.Bundle) (secrets.Ref, error) {
	if err := secrets.ValidateID(id); err != nil {
		return secrets.Ref{}, err
	}
	data, err := json.Marshal(b.Credentials)
	if err != nil {
		return secrets.Ref{}, err
	}
	if err := os.WriteFile(s.credPath(id), data, 0o600); err != nil {
		return secrets.Ref{}, fmt.Errorf("write credentials: %w", err)
	}
	if err := os.WriteFile(s.configPath(id), []byte(b.Config), 0o600); err != nil {
		return secrets.Ref{}, fmt.Errorf("write config: %w", err)
	}
	return secrets.Ref{SecretID: s.credPath(id), BlobKey: s.configPath(id)}, nil
}

func (s *Store) Get(_ context.Context, id string) (secrets.Bundle, error) {
	if err := secrets.ValidateID(id); err != nil {
		return secrets.Bundle{}, err
	}
	data, err := os.ReadFile(s.credPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return secrets.Bundle{}, fmt.Errorf("%s: %w", id, secrets.ErrNotFound)
	}
	if err != nil {
		return secrets.Bundle{}, err
	}
	var b secrets.Bundle
	if err := json.Unmarshal(data, &b.Credentials); err != nil {
		return secrets.Bundle{}, fmt.Errorf("decode credentials %s: %w", id, err)
	}
	cfg, err := os.ReadFile(s.configPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return secrets.Bundle{}, err
	}
	b.Config = string(cfg)
	return b, nil
}

// Delete removes both files; missing files are not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := secrets.ValidateID(id); err != nil {
		return err
	}
	var errs []error
	for _, p := range []string{s.credPath(id), s.configPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
