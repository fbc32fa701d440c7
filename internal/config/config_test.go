package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFile() *File {
	return &File{
		Server: Server{Listen: "0.0.0.0", Port: 443},
		Users:  []User{{UUID: "b831381d-6324-4d53-ad4f-8cda48b30811"}},
	}
}

func intPtr(v int) *int { return &v }

func TestFromFileAppliesDefaults(t *testing.T) {
	f := validFile()
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Protocol)
	assert.Equal(t, "/", cfg.WSPath)
	assert.Equal(t, defaultBuffer, cfg.Performance.BufferSize)
	assert.Equal(t, defaultUDPTimeout, cfg.Performance.UDPTimeout)
}

func TestFromFileRejectsZeroPort(t *testing.T) {
	f := validFile()
	f.Server.Port = 0
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileRejectsNoUsers(t *testing.T) {
	f := validFile()
	f.Users = nil
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileRejectsUnparseableUUID(t *testing.T) {
	f := validFile()
	f.Users[0].UUID = "not-a-uuid"
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileRejectsUDPTimeoutOutOfRange(t *testing.T) {
	f := validFile()
	f.Performance.UDPTimeout = intPtr(3601)
	_, err := FromFile(f)
	assert.Error(t, err)
}

// TestFromFileRejectsExplicitZeroUDPTimeout covers spec.md §8's boundary
// case: an explicit "udp_timeout": 0 must be rejected, not treated the
// same as an omitted field (which defaults to defaultUDPTimeout).
func TestFromFileRejectsExplicitZeroUDPTimeout(t *testing.T) {
	f := validFile()
	f.Performance.UDPTimeout = intPtr(0)
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileDefaultsUDPTimeoutWhenOmitted(t *testing.T) {
	f := validFile()
	f.Performance.UDPTimeout = nil
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, defaultUDPTimeout, cfg.Performance.UDPTimeout)
}

func TestFromFileAutoPrefixesWSPath(t *testing.T) {
	f := validFile()
	f.Server.WSPath = "vless"
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, "/vless", cfg.WSPath)
}

func TestFromFileClampsBufferSize(t *testing.T) {
	f := validFile()
	f.Performance.BufferSize = 1
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, minBufferSize, cfg.Performance.BufferSize)

	f2 := validFile()
	f2.Performance.BufferSize = 1 << 30
	cfg2, err := FromFile(f2)
	require.NoError(t, err)
	assert.Equal(t, maxBufferSize, cfg2.Performance.BufferSize)
}

func TestFromFileRejectsUnknownProtocol(t *testing.T) {
	f := validFile()
	f.Server.Protocol = "quic"
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileRejectsTLSEnabledWithoutCertOrKey(t *testing.T) {
	f := validFile()
	f.TLS.Enabled = true
	_, err := FromFile(f)
	assert.Error(t, err)
}

func TestFromFileDefaultsAccountingFieldsWhenMongoURISet(t *testing.T) {
	f := validFile()
	f.Accounting.MongoURI = "mongodb://localhost:27017"
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, "vlessd", cfg.Accounting.Database)
	assert.Equal(t, "accounting_snapshots", cfg.Accounting.Collection)
	assert.Equal(t, 60, cfg.Accounting.FlushInterval)
}

func TestFromFileLeavesAccountingEmptyWhenMongoURIUnset(t *testing.T) {
	f := validFile()
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, Accounting{}, cfg.Accounting)
}

func TestFromFileKeepsExplicitAccountingOverrides(t *testing.T) {
	f := validFile()
	f.Accounting = Accounting{
		MongoURI:      "mongodb://localhost:27017",
		Database:      "custom",
		Collection:    "custom_snapshots",
		FlushInterval: 15,
	}
	cfg, err := FromFile(f)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Accounting.Database)
	assert.Equal(t, "custom_snapshots", cfg.Accounting.Collection)
	assert.Equal(t, 15, cfg.Accounting.FlushInterval)
}
