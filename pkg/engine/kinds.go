package engine

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ResourceKind names a variant of deployable unit.
type ResourceKind string

const (
	KindService     ResourceKind = "service"
	KindWebsite     ResourceKind = "website"
	KindGitService  ResourceKind = "git-service"
	KindGitWebsite  ResourceKind = "git-website"
	KindDockerImage ResourceKind = "docker-image"
	KindCompose     ResourceKind = "compose"
	KindDatabase    ResourceKind = "database"
)

// KindConfig is the kind-specific half of a resource definition.
// Each kind has exactly one implementation, so invalid combinations of
// fields cannot be expressed.
type KindConfig interface {
	Kind() ResourceKind
}

// ServiceConfig runs a long-lived process listening on a port.
type ServiceConfig struct {
	Image   string   `json:"image,omitempty"`
	Port    int      `json:"port" validate:"required,min=1,max=65535"`
	Command []string `json:"command,omitempty"`
}

func (ServiceConfig) Kind() ResourceKind { return KindService }

// WebsiteConfig serves static or server-rendered content.
type WebsiteConfig struct {
	Image string `json:"image,omitempty"`
	Port  int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

func (WebsiteConfig) Kind() ResourceKind { return KindWebsite }

// GitConfig builds a service or website from a repository.
type GitConfig struct {
	RepositoryURL string `json:"repository_url" validate:"required,url|startswith=git@"`
	Branch        string `json:"branch" validate:"required"`
	Port          int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Website       bool   `json:"-"`
}

func (c GitConfig) Kind() ResourceKind {
	if c.Website {
		return KindGitWebsite
	}
	return KindGitService
}

// ImageConfig runs an explicit image reference.
type ImageConfig struct {
	Image   string   `json:"image" validate:"required"`
	Port    int      `json:"port" validate:"required,min=1,max=65535"`
	Command []string `json:"command,omitempty"`
}

func (ImageConfig) Kind() ResourceKind { return KindDockerImage }

// ComposeConfig carries a Compose file verbatim.
type ComposeConfig struct {
	Content string `json:"content" validate:"required"`
}

func (ComposeConfig) Kind() ResourceKind { return KindCompose }

// DatabaseConfig runs a database engine. Unset fields get engine defaults at creation.
type DatabaseConfig struct {
	Engine   string `json:"engine" validate:"required,oneof=postgres mysql mariadb mongodb redis"`
	Version  string `json:"version,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Port     int    `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

func (DatabaseConfig) Kind() ResourceKind { return KindDatabase }

// kindRule is one row of the validation table. Adding a kind means adding a
// config type and a row here.
type kindRule struct {
	kind         ResourceKind
	newConfig    func() KindConfig
	defaultImage string
	defaultPort  int
	defaults     func(cfg KindConfig) KindConfig
}

var kindRules = []kindRule{
	{
		kind:         KindService,
		newConfig:    func() KindConfig { return &ServiceConfig{} },
		defaultImage: "alpine:3.20",
	},
	{
		kind:         KindWebsite,
		newConfig:    func() KindConfig { return &WebsiteConfig{} },
		defaultImage: "nginx:1.27-alpine",
		defaultPort:  80,
	},
	{
		kind:         KindGitService,
		newConfig:    func() KindConfig { return &GitConfig{} },
		defaultImage: "node:20-alpine",
		defaultPort:  3000,
	},
	{
		kind:         KindGitWebsite,
		newConfig:    func() KindConfig { return &GitConfig{Website: true} },
		defaultImage: "nginx:1.27-alpine",
		defaultPort:  80,
	},
	{
		kind:      KindDockerImage,
		newConfig: func() KindConfig { return &ImageConfig{} },
	},
	{
		kind:      KindCompose,
		newConfig: func() KindConfig { return &ComposeConfig{} },
	},
	{
		kind:      KindDatabase,
		newConfig: func() KindConfig { return &DatabaseConfig{} },
		defaults:  databaseDefaults,
	},
}

func lookupKind(kind ResourceKind) (kindRule, bool) {
	for _, rule := range kindRules {
		if rule.kind == kind {
			return rule, true
		}
	}
	return kindRule{}, false
}

// KnownKinds returns every kind in table order.
func KnownKinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(kindRules))
	for _, rule := range kindRules {
		kinds = append(kinds, rule.kind)
	}
	return kinds
}

// DefaultImage returns the base image used when a kind's config names none.
func DefaultImage(kind ResourceKind) string {
	rule, _ := lookupKind(kind)
	return rule.defaultImage
}

// DefaultPort returns the port used when a kind's config names none.
func DefaultPort(kind ResourceKind) int {
	rule, _ := lookupKind(kind)
	return rule.defaultPort
}

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseKindConfig decodes and validates raw kind configuration, then applies
// creation-time defaults.
func ParseKindConfig(kind ResourceKind, raw json.RawMessage) (KindConfig, error) {
	rule, ok := lookupKind(kind)
	if !ok {
		return nil, NewInvalidConfigError(fmt.Sprintf("unknown resource kind %q", kind), nil)
	}

	cfg := rule.newConfig()
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, NewInvalidConfigError(fmt.Sprintf("decode %s config", kind), err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, NewInvalidConfigError(fmt.Sprintf("invalid %s config: %s", kind, describeValidation(err)), nil)
	}

	cfg = deref(cfg)
	if rule.defaults != nil {
		cfg = rule.defaults(cfg)
	}
	return cfg, nil
}

// deref turns the pointer used for decoding back into the value type stored on resources.
func deref(cfg KindConfig) KindConfig {
	switch c := cfg.(type) {
	case *ServiceConfig:
		return *c
	case *WebsiteConfig:
		return *c
	case *GitConfig:
		return *c
	case *ImageConfig:
		return *c
	case *ComposeConfig:
		return *c
	case *DatabaseConfig:
		return *c
	}
	return cfg
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonName(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

func jsonName(field string) string {
	switch field {
	case "RepositoryURL":
		return "repository_url"
	}
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type databaseEngine struct {
	image string
	port  int
	user  string
}

var databaseEngines = map[string]databaseEngine{
	"postgres": {image: "postgres", port: 5432, user: "postgres"},
	"mysql":    {image: "mysql", port: 3306, user: "root"},
	"mariadb":  {image: "mariadb", port: 3306, user: "root"},
	"mongodb":  {image: "mongo", port: 27017, user: "admin"},
	"redis":    {image: "redis", port: 6379},
}

func databaseDefaults(cfg KindConfig) KindConfig {
	c := cfg.(DatabaseConfig)
	eng := databaseEngines[c.Engine]
	if c.Version == "" {
		c.Version = "latest"
	}
	if c.Port == 0 {
		c.Port = eng.port
	}
	if c.User == "" {
		c.User = eng.user
	}
	if c.Name == "" && c.Engine != "redis" {
		c.Name = "app"
	}
	if c.Password == "" {
		c.Password = generatePassword()
	}
	return c
}

// DatabaseImage returns the image reference for a database config.
func DatabaseImage(c DatabaseConfig) string {
	return databaseEngines[c.Engine].image + ":" + c.Version
}

// DatabaseEnv returns the engine-specific environment a database image expects.
func DatabaseEnv(c DatabaseConfig) []EnvVar {
	switch c.Engine {
	case "postgres":
		return []EnvVar{
			{Key: "POSTGRES_DB", Value: c.Name},
			{Key: "POSTGRES_USER", Value: c.User},
			{Key: "POSTGRES_PASSWORD", Value: c.Password, Secret: true},
		}
	case "mysql", "mariadb":
		env := []EnvVar{{Key: "MYSQL_DATABASE", Value: c.Name}}
		if c.User == "root" {
			return append(env, EnvVar{Key: "MYSQL_ROOT_PASSWORD", Value: c.Password, Secret: true})
		}
		return append(env,
			EnvVar{Key: "MYSQL_USER", Value: c.User},
			EnvVar{Key: "MYSQL_PASSWORD", Value: c.Password, Secret: true},
			EnvVar{Key: "MYSQL_RANDOM_ROOT_PASSWORD", Value: "yes"},
		)
	case "mongodb":
		return []EnvVar{
			{Key: "MONGO_INITDB_DATABASE", Value: c.Name},
			{Key: "MONGO_INITDB_ROOT_USERNAME", Value: c.User},
			{Key: "MONGO_INITDB_ROOT_PASSWORD", Value: c.Password, Secret: true},
		}
	case "redis":
		return []EnvVar{{Key: "REDIS_PASSWORD", Value: c.Password, Secret: true}}
	}
	return nil
}

// DatabaseCommand returns the container command for engines that take their
// credentials as server flags. The password is read from the container
// environment so it never appears in the container's arguments.
func DatabaseCommand(c DatabaseConfig) []string {
	if c.Engine == "redis" && c.Password != "" {
		return []string{"sh", "-c", `exec redis-server --requirepass "$REDIS_PASSWORD"`}
	}
	return nil
}

func generatePassword() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ValidateName checks the resource naming rule.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return NewInvalidConfigError(fmt.Sprintf("resource name %q must be lowercase letters, digits and hyphens, starting with a letter or digit", name), nil)
	}
	return nil
}

// MarshalKindConfig encodes a kind configuration for storage or output.
func MarshalKindConfig(cfg KindConfig) (json.RawMessage, error) {
	if cfg == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s config: %w", cfg.Kind(), err)
	}
	return data, nil
}

// UnmarshalKindConfig decodes stored configuration without re-applying defaults.
func UnmarshalKindConfig(kind ResourceKind, data []byte) (KindConfig, error) {
	rule, ok := lookupKind(kind)
	if !ok {
		return nil, NewInvalidConfigError(fmt.Sprintf("unknown resource kind %q", kind), nil)
	}
	cfg := rule.newConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal %s config: %w", kind, err)
	}
	return deref(cfg), nil
}

// ResolvedPort returns the container port a resource listens on, or 0 for none.
func ResolvedPort(kind ResourceKind, cfg KindConfig) int {
	port := 0
	switch c := cfg.(type) {
	case ServiceConfig:
		port = c.Port
	case WebsiteConfig:
		port = c.Port
	case GitConfig:
		port = c.Port
	case ImageConfig:
		port = c.Port
	case DatabaseConfig:
		port = c.Port
	}
	if port == 0 {
		port = DefaultPort(kind)
	}
	return port
}
