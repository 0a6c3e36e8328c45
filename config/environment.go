package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

// Environment is the deployment stage taken from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"dev":   Development,
	"prod":  Production,
	"stage": Staging,
}

// envConfigPaths maps a stage to the config file used when no explicit path
// is given.
var envConfigPaths = map[Environment]string{
	Production: "config/config.production.yml",
	Staging:    "config/config.staging.yml",
}

// AppEnvironment returns the normalised APP_ENV value, development when unset.
func AppEnvironment() Environment {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return Development
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return Environment(env)
}

// ProductionLike stages run the API in release mode and refuse to start
// without snapshot resync.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

func (e Environment) String() string { return string(e) }

// resolveConfigPath swaps the default path for the stage's own file. An
// explicit path always wins.
func resolveConfigPath(path string, env Environment) string {
	if path == "" {
		path = defaultConfigPath
	}
	if envPath, ok := envConfigPaths[env]; ok && path == defaultConfigPath {
		return envPath
	}
	return path
}
