package oauth

import (
	"errors"

	"github.com/heraldhq/herald/internal/config"
	"golang.org/x/oauth2"
)

var (
	// ErrUnknownProvider means no provider with that id is configured.
	ErrUnknownProvider = errors.New("unknown oauth provider")
	// ErrProviderDisabled means the provider exists but is switched off.
	ErrProviderDisabled = errors.New("oauth provider disabled")
)

// Provider is one configured OAuth provider with its ready oauth2.Config.
type Provider struct {
	config.ProviderConfig
	oauth *oauth2.Config
}

func buildProviders(entries []config.ProviderConfig) map[string]*Provider {
	providers := make(map[string]*Provider, len(entries))
	for _, entry := range entries {
		providers[entry.ID] = &Provider{
			ProviderConfig: entry,
			oauth: &oauth2.Config{
				ClientID:     entry.ClientID,
				ClientSecret: entry.ClientSecret,
				RedirectURL:  entry.RedirectURL,
				Scopes:       entry.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:  entry.AuthURL,
					TokenURL: entry.TokenURL,
				},
			},
		}
	}
	return providers
}

// provider resolves an id to an enabled provider.
func (l *Linker) provider(id string) (*Provider, error) {
	p, ok := l.providers[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !p.IsEnabled() {
		return nil, ErrProviderDisabled
	}
	return p, nil
}

// DefaultProvider returns the provider marked default, or the empty string
// when none is.
func (l *Linker) DefaultProvider() string {
	for id, p := range l.providers {
		if p.Default {
			return id
		}
	}
	return ""
}
