package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danthegoodman1/kpibridge/metastore"
	"github.com/danthegoodman1/kpibridge/wml"
)

var (
	ErrNoCredentials      = errors.New("no WML credentials specified")
	ErrInvalidCredentials = errors.New("no valid WML credentials specified")
)

type (
	// CredentialSource says where the deployment credentials come from.
	// One of Inline, Named or Fields.
	CredentialSource interface {
		resolve(ctx context.Context, store metastore.MetaStore) (wml.Credentials, error)
		describe() string
	}

	// Inline credentials given directly in the function configuration
	Inline struct {
		Credentials wml.Credentials
	}

	// Named credentials are a JSON document stored as a pipeline constant under Name
	Named struct {
		Name string
	}

	// Fields are individually supplied credential values
	Fields struct {
		APIKey       string
		URL          string
		SpaceID      string
		DeploymentID string
	}
)

func (i Inline) resolve(_ context.Context, _ metastore.MetaStore) (wml.Credentials, error) {
	return i.Credentials, nil
}

func (i Inline) describe() string {
	return "inline"
}

func (n Named) resolve(ctx context.Context, store metastore.MetaStore) (wml.Credentials, error) {
	var creds wml.Credentials
	if store == nil || n.Name == "" {
		return creds, ErrNoCredentials
	}
	raw, err := store.GetConstant(ctx, n.Name)
	if err != nil {
		return creds, fmt.Errorf("%w: constant %s: %s", ErrNoCredentials, n.Name, err)
	}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return creds, fmt.Errorf("%w: constant %s is not a credential document: %s", ErrInvalidCredentials, n.Name, err)
	}
	return creds, nil
}

func (n Named) describe() string {
	return "constant " + n.Name
}

func (f Fields) resolve(_ context.Context, _ metastore.MetaStore) (wml.Credentials, error) {
	return wml.Credentials{
		APIKey:       f.APIKey,
		URL:          f.URL,
		SpaceID:      f.SpaceID,
		DeploymentID: f.DeploymentID,
	}, nil
}

func (f Fields) describe() string {
	return "fields"
}

// resolveCredentials turns a source into validated credentials, failures are fatal configuration errors
func resolveCredentials(ctx context.Context, src CredentialSource, store metastore.MetaStore) (wml.Credentials, error) {
	if src == nil {
		return wml.Credentials{}, ErrNoCredentials
	}
	creds, err := src.resolve(ctx, store)
	if err != nil {
		return creds, err
	}
	if err := creds.Validate(); err != nil {
		return creds, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
	}
	return creds, nil
}
