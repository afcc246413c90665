package config

import (
	"io/fs"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// DefaultFile is the TOML file read from the working directory if present.
	DefaultFile = ".dday-label.toml"

	// DefaultEnvFile is the dotenv file read from the working directory if present.
	DefaultEnvFile = ".env"

	// FileEnvVar names the environment variable that points at a TOML config file.
	FileEnvVar = "DDAY_CONFIG"
)

// envKeys maps recognized environment variables to config keys.
// Everything else in the environment is ignored.
var envKeys = map[string]string{
	"GITHUB_EVENT_NAME":  "GITHUB_EVENT_NAME",
	"GITHUB_TOKEN":       "GITHUB_TOKEN",
	"GITHUB_REPOSITORY":  "GITHUB_REPOSITORY",
	"PR_NUMBER":          "PR_NUMBER",
	"NOTION_TOKEN":       "NOTION_TOKEN",
	"GITHUB_API_URL":     "GITHUB_API_URL",
	"DDAY_TIMEZONE":      "timezone",
	"DDAY_DATE_PROPERTY": "date_property",
	"DDAY_CONCURRENCY":   "concurrency",
	"DDAY_SCHEDULE":      "schedule",
}

// Options controls where configuration is read from.
type Options struct {
	// File is an explicit TOML config file. It must exist if set.
	// If empty, $DDAY_CONFIG is used, falling back to DefaultFile if present.
	File string

	// EnvFile is a dotenv file. Defaults to DefaultEnvFile; a missing file is ignored.
	EnvFile string

	// SkipEnvFile disables reading the dotenv file.
	SkipEnvFile bool
}

var (
	tomlParser   = toml.Parser()
	dotenvParser = dotenv.Parser()
)

// Load reads the configuration. Later sources override earlier ones:
// defaults, the TOML file, the .env file, then the process environment.
//
// Load does not validate; call Validate before using the GitHub/Notion fields.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	path, required := opts.File, true
	if path == "" {
		path, required = os.Getenv(FileEnvVar), true
	}
	if path == "" {
		path, required = DefaultFile, false
	}
	if err := k.Load(file.Provider(path), tomlParser); err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "unable to parse config file %s", path)
		}
	}

	if !opts.SkipEnvFile {
		envFile := opts.EnvFile
		if envFile == "" {
			envFile = DefaultEnvFile
		}
		if err := loadEnvFile(k, envFile); err != nil {
			return nil, err
		}
	}

	err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read environment")
	}

	cfg := Default()
	err = k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"})
	if err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal config")
	}
	return cfg, nil
}

// loadEnvFile merges the recognized keys of a dotenv file into k.
// Like the environment, unknown keys are ignored.
func loadEnvFile(k *koanf.Koanf, path string) error {
	dk := koanf.New(".")
	if err := dk.Load(file.Provider(path), dotenvParser); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "unable to parse env file %s", path)
	}
	for key, val := range dk.All() {
		target, ok := envKeys[strings.TrimSpace(key)]
		if !ok {
			continue
		}
		if err := k.Set(target, val); err != nil {
			return errors.Wrapf(err, "set %s", key)
		}
	}
	return nil
}
