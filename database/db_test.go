package database

import (
	"sync"
	"testing"

	"github.com/errandhq/errand/config"
	"github.com/stretchr/testify/assert"
)

func TestGetDBConnection_Failure(t *testing.T) {
	// Reset the instance and once for testing purposes
	instance = nil
	once = sync.Once{}

	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{
			Dns: "invalid-dns",
		},
	}

	_, err := GetDBConnection(mockConfig)
	assert.Error(t, err)
	assert.Nil(t, instance)
}

func TestConnectDB_Failure(t *testing.T) {
	invalidDNS := "invalid-dns"

	db, err := ConnectDB(invalidDNS)
	assert.Error(t, err)
	assert.Nil(t, db)
}
