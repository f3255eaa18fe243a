package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

// validConfig returns a copy of the defaults with a fixed broker ID
func validConfig() *Configuration {
	c := *Config
	c.BrokerID = 1
	return &c
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, port := range []int{-1, 0, 70000} {
		Config = validConfig()
		Config.Admin.Enabled = true
		Config.Admin.Port = port

		if err := Validate(); err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	// Port is ignored while the admin surface is disabled
	Config = validConfig()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_InvalidCompressionLevel(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	for _, level := range []int{-1, 5} {
		Config = validConfig()
		Config.Store.CompressionLevel = level

		if err := Validate(); err == nil {
			t.Errorf("Expected error for compression level %d", level)
		}
	}
}

func TestValidate_DeliveryAndBenchmark(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero receive timeout", func(c *Configuration) { c.Delivery.ReceiveTimeoutMS = 0 }},
		{"zero prefetch", func(c *Configuration) { c.Delivery.Prefetch = 0 }},
		{"zero scan batch", func(c *Configuration) { c.Delivery.ScanBatchSize = 0 }},
		{"zero shards", func(c *Configuration) { c.Benchmark.Shards = 0 }},
		{"zero samples", func(c *Configuration) { c.Benchmark.Samples = 0 }},
		{"zero sample duration", func(c *Configuration) { c.Benchmark.SampleDurationMS = 0 }},
		{"zero counter bandwidth", func(c *Configuration) { c.Store.CounterBandwidth = 0 }},
		{"empty store name", func(c *Configuration) { c.Store.Name = "" }},
		{"bad log format", func(c *Configuration) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "quarry-test-load")

	Config = validConfig()
	Config.DataDir = tempDir

	// Missing file falls back to defaults
	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Delivery.ReceiveTimeoutMS != 5000 {
		t.Errorf("Expected default receive timeout 5000, got %d", Config.Delivery.ReceiveTimeoutMS)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "quarry.toml")
	content := `
broker_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[store]
name = "journal"
compression_level = 2

[benchmark]
shards = 8
preload_threshold = 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	Config = validConfig()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.BrokerID != 42 {
		t.Errorf("Expected broker ID 42, got %d", Config.BrokerID)
	}
	if Config.Store.Name != "journal" {
		t.Errorf("Expected store name journal, got %s", Config.Store.Name)
	}
	if Config.Store.CompressionLevel != 2 {
		t.Errorf("Expected compression level 2, got %d", Config.Store.CompressionLevel)
	}
	if Config.Benchmark.Shards != 8 || Config.Benchmark.PreloadThreshold != 500 {
		t.Errorf("Unexpected benchmark section: %+v", Config.Benchmark)
	}
	// Untouched keys keep their defaults
	if Config.Delivery.Prefetch != 1000 {
		t.Errorf("Expected default prefetch 1000, got %d", Config.Delivery.Prefetch)
	}
}

func TestLoad_CreateDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "quarry-test-data")

	Config = validConfig()
	Config.DataDir = tempDir

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestGenerateBrokerID(t *testing.T) {
	id1, err := generateBrokerID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}

	if id1 == 0 {
		t.Error("Generated broker ID should not be 0")
	}

	id2, err := generateBrokerID()
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if id1 != id2 {
		t.Error("Broker ID should be deterministic for same machine")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "quarry-test-override")

	*DataDirFlag = tempDir
	*BrokerIDFlag = 12345
	*AdminPortFlag = 9999

	defer func() {
		*DataDirFlag = ""
		*BrokerIDFlag = 0
		*AdminPortFlag = 0
	}()

	Config = validConfig()
	Config.DataDir = "./default-data"

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}

	if Config.BrokerID != 12345 {
		t.Errorf("Expected broker ID 12345, got %d", Config.BrokerID)
	}

	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()

	for i := 0; i < b.N; i++ {
		Validate()
	}
}
