package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/partitioner"
	"github.com/danthegoodman1/kpibridge/scoring"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/danthegoodman1/kpibridge/wml"
	"gopkg.in/yaml.v3"
)

const (
	AuthInline   = "inline"
	AuthConstant = "constant"
	AuthFields   = "fields"
)

var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrUnknownAuth   = errors.New("unknown wml_auth")
)

type (
	Config struct {
		EntityTypes []EntityTypeConfig `yaml:"entity_types"`
		// Constants are seeded into the metastore, named credentials live here
		Constants map[string]any `yaml:"constants"`
	}

	EntityTypeConfig struct {
		Name            string                      `yaml:"name"`
		TimestampColumn string                      `yaml:"timestamp_column"`
		Columns         []catalog.ColumnDef         `yaml:"columns"`
		Archive         bool                        `yaml:"archive"`
		Partition       []partitioner.PartitionPlan `yaml:"partition"`
		Functions       []FunctionConfig            `yaml:"functions"`
	}

	FunctionConfig struct {
		Name        string   `yaml:"name"`
		InputItems  []string `yaml:"input_items"`
		OutputItems []string `yaml:"output_items"`
		Fill        string   `yaml:"fill"`

		// One of inline, constant or fields
		WMLAuth string `yaml:"wml_auth"`
		// wml_auth: inline
		WMLCredentials *wml.Credentials `yaml:"wml_credentials"`
		// wml_auth: constant
		WMLCredentialsConstant string `yaml:"wml_credentials_constant"`
		// wml_auth: fields
		WMLAPIKey       string `yaml:"wml_apikey"`
		WMLURL          string `yaml:"wml_url"`
		WMLSpaceID      string `yaml:"wml_space_id"`
		WMLDeploymentID string `yaml:"wml_deployment_id"`
	}
)

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadFile: %w", err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("error in yaml.Unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names are unique and every function has a usable output and auth mode
func (c *Config) Validate() error {
	entities := map[string]bool{}
	functions := map[string]bool{}
	for i := range c.EntityTypes {
		et := &c.EntityTypes[i]
		if et.Name == "" {
			return fmt.Errorf("entity type %d has no name", i)
		}
		if entities[et.Name] {
			return fmt.Errorf("%w: entity type %s", ErrDuplicateName, et.Name)
		}
		entities[et.Name] = true
		if et.TimestampColumn == "" {
			et.TimestampColumn = table.DefaultTimestampColumn
		}
		for _, f := range et.Functions {
			if f.Name == "" {
				return fmt.Errorf("entity type %s has a function without a name", et.Name)
			}
			if functions[f.Name] {
				return fmt.Errorf("%w: function %s", ErrDuplicateName, f.Name)
			}
			functions[f.Name] = true
			if _, err := scoring.OutputFromItems(f.OutputItems); err != nil {
				return fmt.Errorf("function %s: %w", f.Name, err)
			}
			if _, err := f.CredentialSource(); err != nil {
				return fmt.Errorf("function %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func (e EntityTypeConfig) Definition() catalog.Definition {
	return catalog.Definition{
		Name:            e.Name,
		TimestampColumn: e.TimestampColumn,
		Columns:         e.Columns,
	}
}

// CredentialSource picks the credential variant from wml_auth. An empty mode is inferred
// from which credential keys are set.
func (f FunctionConfig) CredentialSource() (scoring.CredentialSource, error) {
	mode := f.WMLAuth
	if mode == "" {
		switch {
		case f.WMLCredentials != nil:
			mode = AuthInline
		case f.WMLCredentialsConstant != "":
			mode = AuthConstant
		default:
			mode = AuthFields
		}
	}
	switch mode {
	case AuthInline:
		return scoring.Inline{Credentials: utils.Deref(f.WMLCredentials, wml.Credentials{})}, nil
	case AuthConstant:
		return scoring.Named{Name: f.WMLCredentialsConstant}, nil
	case AuthFields:
		return scoring.Fields{
			APIKey:       f.WMLAPIKey,
			URL:          f.WMLURL,
			SpaceID:      f.WMLSpaceID,
			DeploymentID: f.WMLDeploymentID,
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAuth, mode)
	}
}

func (f FunctionConfig) ScoringConfig() (scoring.Config, error) {
	out, err := scoring.OutputFromItems(f.OutputItems)
	if err != nil {
		return scoring.Config{}, err
	}
	src, err := f.CredentialSource()
	if err != nil {
		return scoring.Config{}, err
	}
	return scoring.Config{
		Name:        f.Name,
		InputItems:  f.InputItems,
		Output:      out,
		Credentials: src,
		Fill:        scoring.FillPolicy(f.Fill),
	}, nil
}

// ConstantValues renders the configured constants as JSON documents
func (c *Config) ConstantValues() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.Constants))
	for name, v := range c.Constants {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("error marshalling constant %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}
