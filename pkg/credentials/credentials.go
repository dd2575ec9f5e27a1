package credentials

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Credentials are the secrets needed to talk to the Octopus API on behalf of a
// customer.
type Credentials struct {
	APIKey        string `json:"apiKey"`
	AccountNumber string `json:"accountNumber"`
}

// Provider supplies the API key used to issue tokens and the account it
// belongs to. An empty value with a nil error means it isn't configured.
type Provider interface {
	APIKey(ctx context.Context) (string, error)
	AccountNumber(ctx context.Context) (string, error)
}

// Static is a Provider with fixed credentials.
type Static struct {
	Credentials Credentials
}

func (s *Static) APIKey(context.Context) (string, error) {
	return s.Credentials.APIKey, nil
}

func (s *Static) AccountNumber(context.Context) (string, error) {
	return s.Credentials.AccountNumber, nil
}

// Configured sets up the credentials Provider based on flags. When a
// credentials file is given it takes precedence over the plain flags.
func Configured() Provider {
	apiKey := lflag.String("octopus-api-key", "", "Octopus API key used to issue Kraken tokens")
	accountNumber := lflag.String("octopus-account-number", "", "Octopus account number (e.g. A-1234ABCD)")
	file := lflag.String("credentials-file", "", "Path to an encrypted credentials file (overrides octopus-api-key)")
	encryptionKey := lflag.String("credentials-encryption-key", "", "32 character key for the credentials file")

	var p struct{ Provider }

	lflag.Do(func() {
		if *file == "" {
			p.Provider = &Static{Credentials: Credentials{
				APIKey:        *apiKey,
				AccountNumber: *accountNumber,
			}}
			return
		}
		ef, err := NewEncryptedFile(*file, *encryptionKey)
		if err != nil {
			panic(fmt.Sprintf("credentials file setup failed: %v", err))
		}
		p.Provider = ef
	})

	return &p
}
