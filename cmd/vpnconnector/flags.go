package main

import (
	"time"

	"github.com/loykin/vpnconnector/pkg/client"
)

// GlobalFlags are persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	OrgID      int64
	UserEmail  string
	Insecure   bool
	CACert     string
}

func (f *GlobalFlags) client() *client.Client {
	cfg := client.Config{
		BaseURL:   f.APIUrl,
		OrgID:     f.OrgID,
		UserEmail: f.UserEmail,
		Timeout:   f.APITimeout,
		Insecure:  f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	return client.New(cfg)
}

type UploadFlags struct {
	Name           string
	Username       string
	Password       string
	ConnectionType string
	Host           string
	Port           int
	TrustedCert    string
}

type ServeFlags struct {
	ShutdownTimeout time.Duration
}
