// Package azure stores VPN credentials in Azure Key Vault and client
// configurations in Azure Blob Storage.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/loykin/vpnconnector/internal/secrets"
)

const (
	DefaultSecretPrefix = "vpn-config-"
	DefaultContainer    = "vpn"
	configBlobPrefix    = "configs/"
)

type Config struct {
	VaultURL     string `mapstructure:"vault_url"`
	SecretPrefix string `mapstructure:"secret_prefix"`
	AccountURL   string `mapstructure:"account_url"` // https://<account>.blob.core.windows.net/
	Container    string `mapstructure:"container"`
}

// secretClient is the subset of *azsecrets.Client used here.
type secretClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// blobClient is the subset of *azblob.Client used here.
type blobClient interface {
	UploadBuffer(ctx context.Context, containerName string, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName string, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	DeleteBlob(ctx context.Context, containerName string, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
}

type Store struct {
	secrets   secretClient
	blobs     blobClient
	prefix    string
	container string
}

// New authenticates with DefaultAzureCredential (CLI, managed identity,
// environment variables) and builds both data plane clients.
func New(cfg Config) (*Store, error) {
	if cfg.VaultURL == "" || cfg.AccountURL == "" {
		return nil, fmt.Errorf("azure secret store: vault_url and account_url are required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	sc, err := azsecrets.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create KeyVault client: %w", err)
	}
	bc, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return newStore(sc, bc, cfg), nil
}

func newStore(sc secretClient, bc blobClient, cfg Config) *Store {
	s := &Store{secrets: sc, blobs: bc, prefix: cfg.SecretPrefix, container: cfg.Container}
	if s.prefix == "" {
		s.prefix = DefaultSecretPrefix
	}
	if s.container == "" {
		s.container = DefaultContainer
	}
	return s
}

func (s *Store) secretName(id string) string { return s.prefix + id }
func blobKey(id string) string               { return configBlobPrefix + id + ".ovpn" }

func (s *Store) Put(ctx context.Context, id string, b secrets.Bundle) (secrets.Ref, error) {
	if err := secrets.ValidateID(id); err != nil {
		return secrets.Ref{}, err
	}
	data, err := json.Marshal(b.Credentials)
	if err != nil {
		return secrets.Ref{}, err
	}
	value, contentType := string(data), "application/json"
	// SetSecret creates a new version when the secret already exists.
	resp, err := s.secrets.SetSecret(ctx, s.secretName(id), azsecrets.SetSecretParameters{
		Value:       &value,
		ContentType: &contentType,
	}, nil)
	if err != nil {
		return secrets.Ref{}, fmt.Errorf("failed to store secret %s: %w", s.secretName(id), err)
	}
	ref := secrets.Ref{SecretID: s.secretName(id)}
	if resp.ID != nil {
		ref.SecretID = string(*resp.ID)
	}
	if b.Config != "" {
		if _, err := s.blobs.UploadBuffer(ctx, s.container, blobKey(id), []byte(b.Config), nil); err != nil {
			return secrets.Ref{}, fmt.Errorf("failed to upload config %s: %w", blobKey(id), err)
		}
		ref.BlobKey = s.container + "/" + blobKey(id)
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, id string) (secrets.Bundle, error) {
	if err := secrets.ValidateID(id); err != nil {
		return secrets.Bundle{}, err
	}
	resp, err := s.secrets.GetSecret(ctx, s.secretName(id), "", nil)
	if isNotFound(err) {
		return secrets.Bundle{}, fmt.Errorf("%s: %w", s.secretName(id), secrets.ErrNotFound)
	}
	if err != nil {
		return secrets.Bundle{}, fmt.Errorf("failed to get secret %s from KeyVault: %w", s.secretName(id), err)
	}
	if resp.Value == nil {
		return secrets.Bundle{}, fmt.Errorf("secret %s is empty", s.secretName(id))
	}
	var b secrets.Bundle
	if err := json.Unmarshal([]byte(*resp.Value), &b.Credentials); err != nil {
		return secrets.Bundle{}, fmt.Errorf("decode secret %s: %w", s.secretName(id), err)
	}

	dl, err := s.blobs.DownloadStream(ctx, s.container, blobKey(id), nil)
	if isNotFound(err) {
		return b, nil
	}
	if err != nil {
		return secrets.Bundle{}, fmt.Errorf("failed to download config %s: %w", blobKey(id), err)
	}
	defer func() { _ = dl.Body.Close() }()
	cfg, err := io.ReadAll(dl.Body)
	if err != nil {
		return secrets.Bundle{}, fmt.Errorf("read config %s: %w", blobKey(id), err)
	}
	b.Config = string(cfg)
	return b, nil
}

// Delete removes the secret and the blob. Already-deleted items are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := secrets.ValidateID(id); err != nil {
		return err
	}
	var errs []error
	if _, err := s.secrets.DeleteSecret(ctx, s.secretName(id), nil); err != nil && !isNotFound(err) {
		errs = append(errs, fmt.Errorf("delete secret %s: %w", s.secretName(id), err))
	}
	if _, err := s.blobs.DeleteBlob(ctx, s.container, blobKey(id), nil); err != nil && !isNotFound(err) {
		errs = append(errs, fmt.Errorf("delete blob %s: %w", blobKey(id), err))
	}
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
