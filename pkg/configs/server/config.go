// Package server loads the daemons' configuration: a yaml file for the
// static shape, with the environment overriding secrets and endpoints
// (the deployment passes those as env vars).
package server

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ObjectStoreConfig struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	Secret   string `yaml:"secret"`
	UseSSL   bool   `yaml:"useSSL"`
}

type SigningConfig struct {
	KeyId          string `yaml:"keyId"`
	PrivateKeyPath string `yaml:"privateKeyPath"`
}

type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"databaseURL"`

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`

	// MasterKey is base64, at least 32 bytes decoded. MasterKeyId names
	// it in wrapped DEKs so rotation can register retired masters.
	MasterKey   string `yaml:"masterKey"`
	MasterKeyId string `yaml:"masterKeyId"`

	Signing SigningConfig `yaml:"signing"`

	JWTPublicKeyPath string `yaml:"jwtPublicKeyPath"`
	BackendBaseURL   string `yaml:"backendBaseURL"`

	// CIPepper salts the CI-secret fingerprint KDF.
	CIPepper string `yaml:"ciPepper"`

	// ProbeFixturesDir holds the packaging fixture models.
	ProbeFixturesDir string `yaml:"probeFixturesDir"`
}

// Load reads the optional yaml file, then applies env overrides.
// path "" skips the file.
func Load(path string) (*Config, error) {
	conf := &Config{Port: 8080, MasterKeyId: "master-v1"}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(content, conf); err != nil {
			return nil, err
		}
	}

	overrideString(&conf.DatabaseURL, "DATABASE_URL")
	overrideString(&conf.ObjectStore.Endpoint, "OBJECT_STORE_ENDPOINT")
	overrideString(&conf.ObjectStore.Bucket, "OBJECT_STORE_BUCKET")
	overrideString(&conf.ObjectStore.Key, "OBJECT_STORE_KEY")
	overrideString(&conf.ObjectStore.Secret, "OBJECT_STORE_SECRET")
	overrideString(&conf.MasterKey, "MASTER_KEY")
	overrideString(&conf.MasterKeyId, "MASTER_KEY_ID")
	overrideString(&conf.Signing.KeyId, "SIGNING_KEY_ID")
	overrideString(&conf.Signing.PrivateKeyPath, "SIGNING_PRIVATE_KEY_PATH")
	overrideString(&conf.JWTPublicKeyPath, "JWT_PUBLIC_KEY_PATH")
	overrideString(&conf.BackendBaseURL, "BACKEND_BASE_URL")
	overrideString(&conf.CIPepper, "CI_PEPPER")
	overrideString(&conf.ProbeFixturesDir, "PROBE_FIXTURES_DIR")

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("PORT is not a number: %w", err)
		}
		conf.Port = p
	}

	return conf, conf.validate()
}

func (c *Config) validate() error {
	missing := []string{}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.MasterKey == "" {
		missing = append(missing, "MASTER_KEY")
	}
	if c.ObjectStore.Endpoint == "" {
		missing = append(missing, "OBJECT_STORE_ENDPOINT")
	}
	if len(missing) != 0 {
		return fmt.Errorf("configuration incomplete, missing: %v", missing)
	}
	return nil
}

func overrideString(target *string, envName string) {
	if v := os.Getenv(envName); v != "" {
		*target = v
	}
}
