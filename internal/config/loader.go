package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetConfigName("supamigrate")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/supamigrate")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".supamigrate"))
		}
	}

	// Defaults are overridden by the config file and env vars
	setDefaults(v)

	v.SetEnvPrefix("SUPAMIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, defaults and env vars may be enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for prefix, env := range map[string]string{
		"source":      "SOURCE_DATABASE_URL",
		"destination": "DESTINATION_DATABASE_URL",
	} {
		if dbURL := os.Getenv(env); dbURL != "" {
			if err := parseDatabaseURL(v, prefix, dbURL); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if len(config.Migration.Tables) == 0 {
		config.Migration.Tables = DefaultTables()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	def := NewDefault()

	for prefix, p := range map[string]Project{"source": def.Source, "destination": def.Destination} {
		v.SetDefault(prefix+".name", p.Name)
		v.SetDefault(prefix+".url", "")
		v.SetDefault(prefix+".service_role_key", "")
		v.SetDefault(prefix+".transport", p.Transport)
		v.SetDefault(prefix+".timeout", p.Timeout.String())

		v.SetDefault(prefix+".database.host", p.Database.Host)
		v.SetDefault(prefix+".database.port", p.Database.Port)
		v.SetDefault(prefix+".database.user", p.Database.User)
		v.SetDefault(prefix+".database.password", "")
		v.SetDefault(prefix+".database.dbname", p.Database.DBName)
		v.SetDefault(prefix+".database.sslmode", p.Database.SSLMode)
		v.SetDefault(prefix+".database.max_connections", p.Database.MaxConnections)
		v.SetDefault(prefix+".database.max_idle_conns", p.Database.MaxIdleConns)
		v.SetDefault(prefix+".database.conn_max_lifetime", p.Database.ConnMaxLifetime.String())
		v.SetDefault(prefix+".database.conn_max_idle_time", p.Database.ConnMaxIdleTime.String())
	}

	v.SetDefault("migration.page_size", def.Migration.PageSize)
	v.SetDefault("migration.batch_size", def.Migration.BatchSize)
	v.SetDefault("migration.backup_dir", def.Migration.BackupDir)
	v.SetDefault("migration.identity_fallback", def.Migration.IdentityFallback)
	v.SetDefault("migration.auto_order", def.Migration.AutoOrder)
	v.SetDefault("migration.rpc_function", def.Migration.RPCFunction)

	v.SetDefault("server.log_level", def.Server.LogLevel)
	v.SetDefault("server.debug", def.Server.Debug)
	v.SetDefault("server.log_file", "")
}

// bindEnvVars binds the conventional Supabase variable names
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("source.url", "SOURCE_SUPABASE_URL", "SUPAMIGRATE_SOURCE_URL")
	v.BindEnv("source.service_role_key", "SOURCE_SERVICE_ROLE_KEY", "SUPAMIGRATE_SOURCE_SERVICE_ROLE_KEY")
	v.BindEnv("destination.url", "DESTINATION_SUPABASE_URL", "SUPAMIGRATE_DESTINATION_URL")
	v.BindEnv("destination.service_role_key", "DESTINATION_SERVICE_ROLE_KEY", "SUPAMIGRATE_DESTINATION_SERVICE_ROLE_KEY")

	v.BindEnv("server.log_level", "LOG_LEVEL", "SUPAMIGRATE_SERVER_LOG_LEVEL")
	v.BindEnv("server.debug", "DEBUG", "SUPAMIGRATE_SERVER_DEBUG")
}

// parseDatabaseURL parses a PostgreSQL connection URL into the database block
// of the given project and switches it to the postgres transport
func parseDatabaseURL(v *viper.Viper, prefix, dbURL string) error {
	if !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://") {
		return fmt.Errorf("URL must start with postgres:// or postgresql://")
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL format")
	}

	key := func(name string) string { return prefix + ".database." + name }

	if u.User != nil {
		v.Set(key("user"), u.User.Username())
		if password, ok := u.User.Password(); ok {
			v.Set(key("password"), password)
		}
	}

	v.Set(key("host"), u.Hostname())
	if port := u.Port(); port != "" {
		v.Set(key("port"), port)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in URL")
	}
	v.Set(key("dbname"), dbName)

	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		v.Set(key("sslmode"), sslmode)
	}

	// A connection URL selects the direct transport for that project
	v.Set(prefix+".transport", TransportPostgres)

	return nil
}
