package main

import "testing"

func TestConfigValidate(t *testing.T) {
	c := Config{Issuer: "https://id.example.com"}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfigValidateMissingIssuer(t *testing.T) {
	c := Config{}
	c.applyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}

func TestConfigValidateSQLRequiresDSN(t *testing.T) {
	c := Config{Issuer: "https://id.example.com", Storage: StorageConfig{Type: "sql"}}
	c.applyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for sql storage without a dsn")
	}
}

func TestConfigValidateBadCustomRegex(t *testing.T) {
	c := Config{Issuer: "https://id.example.com", Account: AccountConfig{CustomRegex: "("}}
	c.applyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid custom regex")
	}
}
