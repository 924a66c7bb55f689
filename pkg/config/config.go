// Package config loads typed configuration from environment variables.
//
// Structs declare their variables with caarlos0/env tags. Dotenv files, when
// present, are read before parsing and never override variables already set
// in the process environment.
//
//	type Config struct {
//		DatabaseURL string `env:"DATABASE_URL,required"`
//		Port        int    `env:"PORT" envDefault:"8080"`
//	}
//
//	cfg, err := config.Load[Config]()
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	// ErrDotenv is returned when a dotenv file exists but cannot be read.
	ErrDotenv = errors.New("failed to load dotenv file")
)

var dotenvOnce sync.Once

// Option configures Load.
type Option func(*loader)

type loader struct {
	files       []string
	environment map[string]string
	prefix      string
}

// WithDotenv reads the given files instead of the default ".env".
func WithDotenv(files ...string) Option {
	return func(l *loader) { l.files = files }
}

// WithEnvironment parses from m instead of the process environment.
// Dotenv files are skipped.
func WithEnvironment(m map[string]string) Option {
	return func(l *loader) { l.environment = m }
}

// WithPrefix prepends prefix to every variable name.
func WithPrefix(prefix string) Option {
	return func(l *loader) { l.prefix = prefix }
}

// Load parses a T from the environment.
func Load[T any](opts ...Option) (T, error) {
	var cfg T
	l := &loader{files: []string{".env"}}
	for _, opt := range opts {
		opt(l)
	}

	if l.environment == nil {
		if err := l.loadDotenv(); err != nil {
			return cfg, err
		}
	}

	envOpts := env.Options{Prefix: l.prefix}
	if l.environment != nil {
		envOpts.Environment = l.environment
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return cfg, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// MustLoad is like Load but panics on error.
func MustLoad[T any](opts ...Option) T {
	cfg, err := Load[T](opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
	return cfg
}

func (l *loader) loadDotenv() error {
	var err error
	dotenvOnce.Do(func() {
		for _, f := range l.files {
			// missing files are fine
			if lerr := godotenv.Load(f); lerr != nil && !errors.Is(lerr, fs.ErrNotExist) {
				err = errors.Join(ErrDotenv, fmt.Errorf("%s: %w", f, lerr))
				return
			}
		}
	})
	return err
}
