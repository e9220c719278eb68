// Package config loads the room connection settings shared by all binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/edgecv/pkg/auth"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const DefaultRoom = "edge-cv"

// Default file that is loaded into the environment, if it exists
const DefaultEnvFile = ".env.local"

// Environment variable names
const (
	EnvURL       = "EDGECV_URL"
	EnvAPIKey    = "EDGECV_API_KEY"
	EnvAPISecret = "EDGECV_API_SECRET"
	EnvRoom      = "EDGECV_ROOM"
)

// Config is how a participant finds and authenticates with the relay
type Config struct {
	URL       string `validate:"required,url"` // eg ws://localhost:7880
	APIKey    string `validate:"required"`
	APISecret string `validate:"required"`
	Room      string `validate:"required"`
	Identity  string `validate:"required"`
}

// Flags are the command line overrides of the environment
type Flags struct {
	EnvFile   *string
	URL       *string
	APIKey    *string
	APISecret *string
	Room      *string
	Identity  *string
}

// AddFlags registers the connection options on a parser (or sub-command)
func AddFlags(p *argparse.Command, defaultIdentity string) *Flags {
	return &Flags{
		EnvFile:   p.String("", "env", &argparse.Options{Help: "File of environment variables to load", Default: DefaultEnvFile}),
		URL:       p.String("", "url", &argparse.Options{Help: "Relay URL (overrides " + EnvURL + ")", Default: ""}),
		APIKey:    p.String("", "api-key", &argparse.Options{Help: "API key (overrides " + EnvAPIKey + ")", Default: ""}),
		APISecret: p.String("", "api-secret", &argparse.Options{Help: "API secret (overrides " + EnvAPISecret + ")", Default: ""}),
		Room:      p.String("", "room", &argparse.Options{Help: "Room name (overrides " + EnvRoom + ")", Default: ""}),
		Identity:  p.String("", "identity", &argparse.Options{Help: "Participant identity", Default: defaultIdentity}),
	}
}

var validate = validator.New()

// LoadEnvFile adds the variables in 'filename' to the environment.
// Variables that are already set are not overridden, and a missing file is not an error.
func LoadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}
	if err := godotenv.Load(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("Failed to load %v: %w", filename, err)
	}
	return nil
}

// FromEnv reads the configuration from the environment, without validating it
func FromEnv(identity string) *Config {
	c := &Config{
		URL:       os.Getenv(EnvURL),
		APIKey:    os.Getenv(EnvAPIKey),
		APISecret: os.Getenv(EnvAPISecret),
		Room:      os.Getenv(EnvRoom),
		Identity:  identity,
	}
	if c.Room == "" {
		c.Room = DefaultRoom
	}
	return c
}

// Load reads the env file, then the environment, then applies command line overrides, and validates the result
func Load(flags *Flags) (*Config, error) {
	if err := LoadEnvFile(*flags.EnvFile); err != nil {
		return nil, err
	}
	c := FromEnv(*flags.Identity)
	flags.Apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply copies the options that were given on the command line into 'c'
func (f *Flags) Apply(c *Config) {
	override(&c.URL, *f.URL)
	override(&c.APIKey, *f.APIKey)
	override(&c.APISecret, *f.APISecret)
	override(&c.Room, *f.Room)
	override(&c.Identity, *f.Identity)
}

// AccessToken creates a token for joining the room as our identity
func (c *Config) AccessToken() (string, error) {
	return auth.NewToken(c.APIKey, c.APISecret, c.Identity, c.Room, auth.DefaultTokenTTL)
}

// Validate returns an error naming the first missing or malformed setting
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) != 0 {
			return fmt.Errorf("Invalid configuration: %v is %v", verrs[0].Field(), describeTag(verrs[0].Tag()))
		}
		return fmt.Errorf("Invalid configuration: %w", err)
	}
	return nil
}

func describeTag(tag string) string {
	switch tag {
	case "required":
		return "missing"
	case "url":
		return "not a valid URL"
	}
	return "invalid"
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
