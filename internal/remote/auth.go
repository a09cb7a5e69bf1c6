package remote

import (
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Authenticator provides authentication for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. Empty
	// credentials fall back to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// StaticAuthenticator returns the same credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

// Authenticate returns the configured credentials.
func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}

func authOption(auth Authenticator, registry string) remote.Option {
	if auth != nil {
		username, password, err := auth.Authenticate(registry)
		if err == nil && username != "" {
			return remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			})
		}
	}
	return remote.WithAuthFromKeychain(authn.DefaultKeychain)
}

// authenticator resolves credentials for requests made outside the remote
// package, such as blob deletes.
func authenticator(auth Authenticator, registry name.Registry) (authn.Authenticator, error) {
	if auth != nil {
		username, password, err := auth.Authenticate(registry.RegistryStr())
		if err == nil && username != "" {
			return &authn.Basic{Username: username, Password: password}, nil
		}
	}
	return authn.DefaultKeychain.Resolve(registry)
}
