package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

// Transports supported for reaching a project
const (
	TransportREST     = "rest"
	TransportPostgres = "postgres"
)

// Identity fallback policies
const (
	FallbackAbort  = "abort"
	FallbackPrompt = "prompt"
	FallbackStrip  = "strip"
)

// ServiceRole is the JWT role claim of a Supabase service-role key
const ServiceRole = "service_role"

// Config represents the main application configuration
type Config struct {
	Source      Project   `json:"source" mapstructure:"source"`
	Destination Project   `json:"destination" mapstructure:"destination"`
	Migration   Migration `json:"migration" mapstructure:"migration"`
	Server      Server    `json:"server" mapstructure:"server"`
}

// Project describes how to reach one Supabase project
type Project struct {
	Name           string        `json:"name" mapstructure:"name"`
	URL            string        `json:"url" mapstructure:"url"`
	ServiceRoleKey string        `json:"-" mapstructure:"service_role_key"`
	Transport      string        `json:"transport" mapstructure:"transport"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	Database       Database      `json:"database" mapstructure:"database"`
}

// Database represents a direct Postgres connection to a project
type Database struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	User            string        `json:"user" mapstructure:"user"`
	Password        string        `json:"-" mapstructure:"password"`
	DBName          string        `json:"dbname" mapstructure:"dbname"`
	SSLMode         string        `json:"sslmode" mapstructure:"sslmode"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// Migration represents the table-copy settings
type Migration struct {
	PageSize         int                `json:"page_size" mapstructure:"page_size"`
	BatchSize        int                `json:"batch_size" mapstructure:"batch_size"`
	BackupDir        string             `json:"backup_dir" mapstructure:"backup_dir"`
	IdentityFallback string             `json:"identity_fallback" mapstructure:"identity_fallback"`
	AutoOrder        bool               `json:"auto_order" mapstructure:"auto_order"`
	RPCFunction      string             `json:"rpc_function" mapstructure:"rpc_function"`
	Tables           []models.TableSpec `json:"tables" mapstructure:"tables"`
}

// Server represents process-level settings
type Server struct {
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	Debug    bool   `json:"debug" mapstructure:"debug"`
	LogFile  string `json:"log_file" mapstructure:"log_file"`
}

// DefaultTables returns the table list of the storefront schema, base tables
// before their dependents
func DefaultTables() []models.TableSpec {
	return []models.TableSpec{
		{Name: "categories", Description: "Product and post categories"},
		{Name: "tags", Description: "Blog tags"},
		{Name: "profiles", Description: "User profiles"},
		{Name: "products", Description: "Store products", DependsOn: []string{"categories"}},
		{Name: "prices", Description: "Product prices", DependsOn: []string{"products"}},
		{Name: "posts", Description: "Blog posts", Identity: true, DependsOn: []string{"categories", "profiles"}},
		{Name: "post_tags", Description: "Post to tag links", DependsOn: []string{"posts", "tags"}},
	}
}

func defaultDatabase() Database {
	return Database{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "",
		DBName:          "postgres",
		SSLMode:         "require",
		MaxConnections:  5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDefault returns a Config instance with default values
func NewDefault() *Config {
	return &Config{
		Source: Project{
			Name:      "source",
			Transport: TransportREST,
			Timeout:   60 * time.Second,
			Database:  defaultDatabase(),
		},
		Destination: Project{
			Name:      "destination",
			Transport: TransportREST,
			Timeout:   60 * time.Second,
			Database:  defaultDatabase(),
		},
		Migration: Migration{
			PageSize:         100,
			BatchSize:        100,
			BackupDir:        "backups",
			IdentityFallback: FallbackAbort,
			AutoOrder:        false,
			RPCFunction:      "exec_sql",
			Tables:           DefaultTables(),
		},
		Server: Server{
			LogLevel: "info",
			Debug:    false,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if err := c.Destination.validate("destination"); err != nil {
		return err
	}
	if c.Source.Identifier() == c.Destination.Identifier() {
		return utils.InvalidFieldError("destination", "source and destination point at the same project")
	}

	// Migration validation
	if c.Migration.PageSize <= 0 {
		return utils.InvalidFieldError("migration.page_size", "must be greater than 0")
	}
	if c.Migration.BatchSize <= 0 {
		return utils.InvalidFieldError("migration.batch_size", "must be greater than 0")
	}
	if c.Migration.BackupDir == "" {
		return utils.RequiredFieldError("migration.backup_dir")
	}
	switch c.Migration.IdentityFallback {
	case FallbackAbort, FallbackPrompt, FallbackStrip:
	default:
		return utils.InvalidFieldError("migration.identity_fallback",
			fmt.Sprintf("unknown policy %q (want abort, prompt or strip)", c.Migration.IdentityFallback))
	}
	if c.Migration.RPCFunction == "" {
		return utils.RequiredFieldError("migration.rpc_function")
	}
	if len(c.Migration.Tables) == 0 {
		return utils.RequiredFieldError("migration.tables")
	}
	for i, table := range c.Migration.Tables {
		if strings.TrimSpace(table.Name) == "" {
			return utils.RequiredFieldError(fmt.Sprintf("migration.tables[%d].name", i))
		}
	}

	// Server validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Server.LogLevel] {
		return utils.InvalidFieldError("server.log_level", fmt.Sprintf("invalid log level: %s", c.Server.LogLevel))
	}

	return nil
}

func (p *Project) validate(prefix string) error {
	switch p.Transport {
	case TransportREST:
		if p.URL == "" {
			return utils.RequiredFieldError(prefix + ".url")
		}
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return utils.InvalidFieldError(prefix+".url", "must be an absolute http(s) URL")
		}
		if p.ServiceRoleKey == "" {
			return utils.RequiredFieldError(prefix + ".service_role_key")
		}
		if err := CheckServiceRoleKey(p.ServiceRoleKey); err != nil {
			return utils.InvalidFieldError(prefix+".service_role_key", err.Error())
		}
	case TransportPostgres:
		db := p.Database
		if db.Host == "" {
			return utils.RequiredFieldError(prefix + ".database.host")
		}
		if db.Port <= 0 || db.Port > 65535 {
			return utils.InvalidFieldError(prefix+".database.port", "must be between 1 and 65535")
		}
		if db.User == "" {
			return utils.RequiredFieldError(prefix + ".database.user")
		}
		if db.DBName == "" {
			return utils.RequiredFieldError(prefix + ".database.dbname")
		}
		if db.MaxConnections <= 0 {
			return utils.InvalidFieldError(prefix+".database.max_connections", "must be greater than 0")
		}
		if db.MaxIdleConns < 0 {
			return utils.InvalidFieldError(prefix+".database.max_idle_conns", "cannot be negative")
		}
		if db.MaxIdleConns > db.MaxConnections {
			return utils.InvalidFieldError(prefix+".database.max_idle_conns", "cannot exceed max connections")
		}
	default:
		return utils.InvalidFieldError(prefix+".transport",
			fmt.Sprintf("unknown transport %q (want rest or postgres)", p.Transport))
	}

	if p.Timeout < 0 {
		return utils.InvalidFieldError(prefix+".timeout", "cannot be negative")
	}
	return nil
}

// CheckServiceRoleKey makes sure a key carries service-role privileges.
// Legacy keys are JWTs with a role claim; opaque sb_secret_ keys are accepted as is.
func CheckServiceRoleKey(key string) error {
	if strings.HasPrefix(key, "sb_secret_") {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return fmt.Errorf("not a valid Supabase key: %w", err)
	}

	role, _ := claims["role"].(string)
	if role != ServiceRole {
		return fmt.Errorf("key has role %q, a %s key is required", role, ServiceRole)
	}
	return nil
}

// Identifier returns a credential-free name for the project, used in reports
func (p Project) Identifier() string {
	if p.Transport == TransportPostgres {
		return fmt.Sprintf("postgres://%s:%d/%s", p.Database.Host, p.Database.Port, p.Database.DBName)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

// URL constructs a PostgreSQL connection string
func (d Database) URL() string {
	params := url.Values{}
	params.Set("sslmode", d.SSLMode)

	var userInfo *url.Userinfo
	if d.Password == "" {
		userInfo = url.User(d.User)
	} else {
		userInfo = url.UserPassword(d.User, d.Password)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     userInfo,
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.DBName,
		RawQuery: params.Encode(),
	}

	return u.String()
}
