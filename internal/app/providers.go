package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/jwtx"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/credentials"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/oauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/sms"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// ProvidersFile is the on-disk provider configuration. The engine options
// and the per-variant settings live side by side:
//
//	session_ttl: 12h
//	code:
//	  digits: 6
//	providers:
//	  - id: google
//	    type: oauth
//	    oauth:
//	      issuer: https://accounts.google.com
//	      client_id: abc
//	      redirect_url: https://app.example.com/callback
//	  - id: phone
//	    name: SMS
//	    type: sms
type ProvidersFile struct {
	SessionTTL time.Duration         `yaml:"session_ttl"`
	Code       simpleauth.CodePolicy `yaml:"code"`
	Providers  []ProviderConfig      `yaml:"providers"`
}

// ProviderConfig is one provider entry. Only the block matching Type is
// read.
type ProviderConfig struct {
	ID   string                  `yaml:"id"`
	Name string                  `yaml:"name"`
	Type simpleauth.ProviderType `yaml:"type"`

	OAuth       *OAuthConfig       `yaml:"oauth"`
	SMS         *SMSConfig         `yaml:"sms"`
	Credentials *CredentialsConfig `yaml:"credentials"`
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	Issuer       string   `yaml:"issuer"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
}

type SMSConfig struct {
	Template string `yaml:"template"`
}

type CredentialsConfig struct {
	MinPasswordLength int `yaml:"min_password_length"`
}

// LoadProvidersFile reads and decodes path, then applies client id and
// secret overrides from the environment.
func LoadProvidersFile(path string) (ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersFile{}, fmt.Errorf("failed to read providers file: %w", err)
	}

	pf, err := ParseProvidersFile(bytes.NewReader(data))
	if err != nil {
		return ProvidersFile{}, err
	}
	pf.loadSecretsFromEnv()

	return pf, nil
}

// ParseProvidersFile decodes a providers file. Unknown keys are rejected
// so typos surface at startup.
func ParseProvidersFile(r io.Reader) (ProvidersFile, error) {
	var pf ProvidersFile

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return ProvidersFile{}, fmt.Errorf("failed to parse providers file: %w", err)
	}

	return pf, nil
}

// loadSecretsFromEnv lets <ID>_CLIENT_ID and <ID>_CLIENT_SECRET override
// the file, with the id upper-cased and dashes turned into underscores.
func (pf *ProvidersFile) loadSecretsFromEnv() {
	for i := range pf.Providers {
		p := &pf.Providers[i]
		if p.OAuth == nil {
			continue
		}

		prefix := envPrefix(p.ID)
		if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
			p.OAuth.ClientID = v
		}
		if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
			p.OAuth.ClientSecret = v
		}
	}
}

func envPrefix(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// Options returns the engine options declared by the file.
func (pf ProvidersFile) Options() simpleauth.Options {
	opts := simpleauth.Options{
		SessionTTL: pf.SessionTTL,
		Code:       pf.Code,
		Providers:  make([]simpleauth.AuthProvider, 0, len(pf.Providers)),
	}
	for _, p := range pf.Providers {
		opts.Providers = append(opts.Providers, simpleauth.AuthProvider{ID: p.ID, Name: p.Name, Type: p.Type})
	}
	return opts
}

// ProviderDeps are the host resources provider implementations need.
type ProviderDeps struct {
	Logger      *slog.Logger
	Sender      simpleauth.Sender
	StateSigner *jwtx.StateSigner
}

// BuildProviders constructs one implementation per declared provider.
// Entries with an unsupported type are skipped; engine validation reports
// them with the rest of the option violations.
func BuildProviders(ctx context.Context, pf ProvidersFile, deps ProviderDeps) (map[string]simpleauth.Provider, error) {
	impls := make(map[string]simpleauth.Provider, len(pf.Providers))

	for _, p := range pf.Providers {
		switch p.Type {
		case simpleauth.ProviderCredentials:
			impl := credentials.New()
			if p.Credentials != nil && p.Credentials.MinPasswordLength > 0 {
				impl.MinPasswordLength = p.Credentials.MinPasswordLength
			}
			impls[p.ID] = impl

		case simpleauth.ProviderSMS:
			sender := deps.Sender
			if sender == nil {
				sender = sms.LogSender{Logger: deps.Logger}
			}
			impl := sms.New(sender)
			if p.SMS != nil {
				impl.Template = p.SMS.Template
			}
			impls[p.ID] = impl

		case simpleauth.ProviderOAuth:
			if p.OAuth == nil {
				return nil, fmt.Errorf("provider %q: oauth block is required", p.ID)
			}
			impl, err := oauth.New(ctx, oauth.Config{
				ClientID:     p.OAuth.ClientID,
				ClientSecret: p.OAuth.ClientSecret,
				RedirectURL:  p.OAuth.RedirectURL,
				Scopes:       p.OAuth.Scopes,
				Issuer:       p.OAuth.Issuer,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.OAuth.AuthURL,
					TokenURL: p.OAuth.TokenURL,
				},
				UserInfoURL: p.OAuth.UserInfoURL,
				StateSigner: deps.StateSigner,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", p.ID, err)
			}
			impls[p.ID] = impl
		}
	}

	return impls, nil
}
