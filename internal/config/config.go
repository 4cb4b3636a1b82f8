package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys: IMGPIPE_QUEUE_MAX_ATTEMPTS -> queue.max_attempts.
const EnvPrefix = "IMGPIPE_"

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Read loads defaults, then the JSON file (if it exists), then env overrides.
func (c *Config) Read(file string) error {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	if file != "" {
		if _, err := os.Stat(file); err == nil {
			if err := k.Load(fileProvider(file), json.Parser()); err != nil {
				return fmt.Errorf("load %s: %w", file, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", c); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if c.Queue.Consumer == "" {
		hostname, _ := os.Hostname()
		c.Queue.Consumer = hostname
	}
	return nil
}

// hashTag matches a key whose cluster slot is decided by its first {...}.
var hashTag = regexp.MustCompile(`^[^{]*\{[^}]+\}`)

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("hashtag", func(fl validator.FieldLevel) bool {
		return hashTag.MatchString(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.Struct(c)
}

func fileProvider(path string) *file.File {
	return file.Provider(path)
}

// envKey maps IMGPIPE_SECTION_SOME_KEY to section.some_key. Empty values are
// dropped so they do not shadow the file.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(name, "_")
	if !ok {
		return name, value
	}
	return section + "." + rest, value
}
