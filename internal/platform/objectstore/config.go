package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/runplane-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECTSTORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("OBJECTSTORE_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("OBJECTSTORE_ACCESS_KEY", "runplane"),
		SecretKey:       env.String("OBJECTSTORE_SECRET_KEY", "runplaneminio"),
		Region:          env.String("OBJECTSTORE_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("OBJECTSTORE_BUCKET_ARTIFACTS", "runplane-artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
