package config

import (
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns every key with its current value. Secrets are reported
// as set or unset, never printed.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		val := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret != "" {
			if val == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: val})
	}
	return result
}

// SetKey validates value against the key's type and persists it. Secrets go
// to the secrets file, everything else to the config file.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()}, key, value)
}

type secretWriter interface {
	Set(service, account, value string) error
}

func setKeyWith(b ConfigBackend, secrets secretWriter, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.secret != "" {
		return secrets.Set(secretService, s.secret, value)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// ValidKeys returns the list of config key names.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}

// IsSecret reports whether key is stored in the secrets file.
func IsSecret(key string) bool {
	s, ok := lookupSpec(key)
	return ok && s.secret != ""
}
