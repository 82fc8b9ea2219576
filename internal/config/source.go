package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// source resolves one setting at a time. Each setting has a koanf key and
// one or more environment names, upper-cased key by default. The first
// non-empty environment variable wins, then the file value, then the default.
// Parse failures are collected in errs and leave the default in place.
type source struct {
	k    *koanf.Koanf
	errs []error
}

func (s *source) lookup(key string, envs []string) (raw, from string, ok bool) {
	if len(envs) == 0 {
		envs = []string{strings.ToUpper(key)}
	}
	for _, name := range envs {
		if v := os.Getenv(name); v != "" {
			return v, name, true
		}
	}
	if s.k.Exists(key) {
		if v := s.k.String(key); v != "" {
			return v, key, true
		}
	}
	return "", "", false
}

func (s *source) fail(from string, sentinel error) {
	s.errs = append(s.errs, fmt.Errorf("%s: %w", from, sentinel))
}

func (s *source) text(dst *string, key, def string, envs ...string) {
	*dst = def
	if v, _, ok := s.lookup(key, envs); ok {
		*dst = v
	}
}

func (s *source) integer(dst *int, key string, def int, sentinel error, envs ...string) {
	*dst = def
	v, from, ok := s.lookup(key, envs)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.fail(from, sentinel)
		return
	}
	*dst = n
}

func (s *source) float(dst *float64, key string, def float64, envs ...string) {
	*dst = def
	v, from, ok := s.lookup(key, envs)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		s.fail(from, ErrInvalidNumber)
		return
	}
	*dst = f
}

func (s *source) duration(dst *time.Duration, key string, def time.Duration, envs ...string) {
	*dst = def
	v, from, ok := s.lookup(key, envs)
	if !ok {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		s.fail(from, ErrInvalidDuration)
		return
	}
	*dst = d
}

func (s *source) boolean(dst *bool, key string, envs ...string) {
	v, from, ok := s.lookup(key, envs)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		s.fail(from, ErrInvalidBool)
	}
}

// list reads a comma-separated environment value or a YAML sequence.
func (s *source) list(dst *[]string, key string, envs ...string) {
	if len(envs) == 0 {
		envs = []string{strings.ToUpper(key)}
	}
	for _, name := range envs {
		if v := os.Getenv(name); v != "" {
			*dst = splitList(v)
			return
		}
	}
	if items := s.k.Strings(key); len(items) > 0 {
		*dst = items
		return
	}
	if v := s.k.String(key); v != "" {
		*dst = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
