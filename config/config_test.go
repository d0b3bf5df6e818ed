package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with empty ProjectName and DataSource DNS
	cnf := Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}
	cnf = Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
		Redis: RedisConfig{
			Dns: "",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}
	// Test case with all required fields filled, expect no error
	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource: DataSourceConfig{
			Dns: "some-dns",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	// Test default port setting
	cnf.Server.Port = ""
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Escrow:     EscrowConfig{ElevatedRefundThreshold: "a lot"},
	}

	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "escrow elevated refund threshold must be a decimal amount")
}

func TestEscrowAndRealtimeDefaults(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	assert.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, "GBP", cnf.Escrow.SettlementCurrency)
	assert.Equal(t, 5*24*time.Hour, Seconds(cnf.Escrow.AutoConfirmAfter))
	assert.Equal(t, time.Minute, Seconds(cnf.Escrow.DisburseTick))
	assert.Equal(t, 6, cnf.Escrow.MaxTransferAttempts)
	assert.Equal(t, time.Hour, Seconds(cnf.Escrow.TakerSetupBackoff))
	assert.Equal(t, "100.00", cnf.Escrow.ElevatedRefundThreshold)
	assert.Equal(t, 10*time.Second, Seconds(cnf.Processor.Timeout))
	assert.Equal(t, 24*time.Hour, Seconds(cnf.Messaging.AttachmentTokenTTL))
	assert.Equal(t, 100, cnf.Messaging.PageSizeLimit)
	assert.Equal(t, 20*time.Second, Seconds(cnf.Realtime.HeartbeatInterval))
	assert.Equal(t, 3, cnf.Realtime.MaxMissingPongs)
	assert.Equal(t, 300*time.Second, Seconds(cnf.Realtime.MaxIdle))
	assert.Equal(t, 5*time.Second, Seconds(cnf.Realtime.WriteTimeout))
}

func TestRateLimitDefaults(t *testing.T) {
	base := func() Configuration {
		return Configuration{
			DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
			Redis:      RedisConfig{Dns: "localhost:6379"},
		}
	}

	cnf := base()
	assert.NoError(t, cnf.validateAndAddDefaults())
	assert.Nil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Nil(t, cnf.RateLimit.Burst)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)

	rps := 5.0
	cnf = base()
	cnf.RateLimit.RequestsPerSecond = &rps
	assert.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 10, *cnf.RateLimit.Burst)

	burst := 7
	cnf = base()
	cnf.RateLimit.Burst = &burst
	assert.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, 3.5, *cnf.RateLimit.RequestsPerSecond)
}

func TestMockConfigKeepsExplicitValues(t *testing.T) {
	MockConfig(&Configuration{Escrow: EscrowConfig{MaxTransferAttempts: 2}})

	cnf, err := Fetch()
	assert.NoError(t, err)
	assert.Equal(t, 2, cnf.Escrow.MaxTransferAttempts)
	assert.Equal(t, 60, cnf.Escrow.DisburseTick)
}

func TestLoadConfigFromFile(t *testing.T) {
	// Create a temporary file
	tmpFile, err := os.CreateTemp("", "errand.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up after the test

	// Sample configuration to write to the temp file
	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close() // Close the file so loadConfigFromFile can open it

	// Set an environment variable to override the project name
	os.Setenv("ERRAND_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("ERRAND_PROJECT_NAME") // Clean up after the test

	// Load the configuration from the file
	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	// Fetch the loaded configuration
	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Check if the environment variable override worked
	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}

	// Check if the DNS was loaded correctly from the file
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "errand.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource: DataSourceConfig{
			Dns: "init-config-dns",
		}, Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "init-config-dns" {
		t.Errorf("Expected DataSource.Dns to be 'init-config-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}
