// Package accounts seeds channel accounts from a YAML file. Credentials
// are sealed before they reach storage; ${VAR} references are expanded
// from the environment so secrets stay out of the file.
package accounts

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"omnigate/internal/channels"
	"omnigate/internal/domain"
	"omnigate/internal/util"
)

type Entry struct {
	ID           string               `yaml:"id"`
	Channel      domain.Channel       `yaml:"channel"`
	ExternalID   string               `yaml:"external_id"`
	Name         string               `yaml:"name"`
	Disabled     bool                 `yaml:"disabled"`
	AutoMarkRead bool                 `yaml:"auto_mark_read"`
	RateLimit    domain.RateLimit     `yaml:"rate_limit"`
	Credentials  channels.Credentials `yaml:"credentials"`
}

type File struct {
	Accounts []Entry `yaml:"accounts"`
}

type Store interface {
	UpsertAccount(ctx context.Context, a domain.ChannelAccount) (domain.ChannelAccount, error)
}

type Sealer interface {
	SealJSON(v any) ([]byte, error)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read accounts: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references and validates every entry.
// Unset variables are left as written.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return File{}, fmt.Errorf("parse accounts: %w", err)
	}
	for i := range f.Accounts {
		e := &f.Accounts[i]
		if e.ExternalID == "" {
			e.ExternalID = defaultExternalID(*e)
		}
		if err := e.validate(); err != nil {
			return File{}, fmt.Errorf("account %d: %w", i, err)
		}
	}
	return f, nil
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// defaultExternalID is the platform identifier webhooks are addressed to.
func defaultExternalID(e Entry) string {
	switch e.Channel {
	case domain.ChannelWhatsApp:
		return e.Credentials.PhoneNumberID
	case domain.ChannelFacebook:
		return e.Credentials.PageID
	case domain.ChannelEmail:
		return strings.ToLower(e.Credentials.FromAddress)
	}
	return ""
}

func (e Entry) validate() error {
	if !e.Channel.Valid() {
		return domain.NewValidationError("channel", fmt.Sprintf("unknown channel %q", e.Channel))
	}
	if e.ExternalID == "" {
		return domain.NewValidationError("external_id", "required")
	}
	if e.RateLimit.PerSecond < 0 || e.RateLimit.PerHour < 0 {
		return domain.NewValidationError("rate_limit", "must not be negative")
	}
	return nil
}

// Sync upserts every entry, keyed by channel and external id, and returns
// the stored accounts.
func Sync(ctx context.Context, s Store, sealer Sealer, f File, now time.Time) ([]domain.ChannelAccount, error) {
	out := make([]domain.ChannelAccount, 0, len(f.Accounts))
	for _, e := range f.Accounts {
		sealed, err := sealer.SealJSON(e.Credentials)
		if err != nil {
			return nil, fmt.Errorf("seal credentials for %s/%s: %w", e.Channel, e.ExternalID, err)
		}
		a := domain.ChannelAccount{
			ID:           e.ID,
			Channel:      e.Channel,
			ExternalID:   e.ExternalID,
			Name:         e.Name,
			Credentials:  sealed,
			Status:       domain.AccountActive,
			RateLimit:    e.RateLimit,
			AutoMarkRead: e.AutoMarkRead,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if a.ID == "" {
			a.ID = util.NewID(util.PrefixAccount)
		}
		if e.Disabled {
			a.Status = domain.AccountDisabled
			a.StatusReason = "disabled in accounts file"
		}
		stored, err := s.UpsertAccount(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("upsert %s/%s: %w", e.Channel, e.ExternalID, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// LoadAndSync is the startup path of the binaries that take ACCOUNTS_FILE.
func LoadAndSync(ctx context.Context, path string, s Store, sealer Sealer) ([]domain.ChannelAccount, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Sync(ctx, s, sealer, f, time.Now().UTC())
}
