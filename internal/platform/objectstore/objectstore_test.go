package objectstore

import "testing"

func validConfig() Config {
	return Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "cascade",
		SecretKey:       "cascademinio",
		Region:          "us-east-1",
		BucketArtifacts: "artifacts",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = " " }},
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }},
		{"missing region", func(c *Config) { c.Region = "" }},
		{"missing bucket", func(c *Config) { c.BucketArtifacts = "" }},
		{"endpoint with scheme", func(c *Config) { c.Endpoint = "http://localhost:9000" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewMinIOClientRejectsInvalidConfig(t *testing.T) {
	if _, err := NewMinIOClient(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
