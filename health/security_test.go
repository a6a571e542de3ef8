package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360/sensorlink/errors"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "Unix file path",
			input:    "failed to open /etc/sensorlink/config.json",
			expected: "failed to open [PATH]",
		},
		{
			name:     "Windows file path",
			input:    "cannot read C:\\Users\\Admin\\config.json",
			expected: "cannot read [PATH]",
		},
		{
			name:     "HTTP URL",
			input:    "connection failed to https://api.example.com/v1/health",
			expected: "connection failed to [URL]",
		},
		{
			name:     "NATS URL",
			input:    "cannot connect to nats://localhost:4222",
			expected: "cannot connect to [URL]",
		},
		{
			name:     "IP address",
			input:    "timeout connecting to 192.168.1.100",
			expected: "timeout connecting to [IP]",
		},
		{
			name:     "Port number",
			input:    "failed to bind to :8080",
			expected: "failed to bind to [PORT]",
		},
		{
			name:     "Credentials in error",
			input:    "auth failed with password:secretpass123",
			expected: "auth failed with [REDACTED]",
		},
		{
			name:     "Inventory database path",
			input:    "unable to open database file: /var/lib/sensorlink/inventory.db",
			expected: "unable to open database file: [PATH]",
		},
		{
			name:     "Frame store WAL path in parentheses",
			input:    "insert frame: database is locked (/var/lib/sensorlink/frames.db-wal)",
			expected: "insert frame: database is locked ([PATH])",
		},
		{
			name:     "Bluetooth device address",
			input:    "device AA:BB:CC:DD:EE:01 link lost: connection reset",
			expected: "device [MAC] link lost: connection reset",
		},
		{
			name:     "Lowercase dashed device address",
			input:    "transport open 24-6f-28-c4-76-98 refused",
			expected: "transport open [MAC] refused",
		},
		{
			name:     "Port still redacted next to a device address",
			input:    "relay 24:6F:28:C4:76:98 bound to :9090",
			expected: "relay [MAC] bound to [PORT]",
		},
		{
			name:     "Complex error with multiple sensitive items",
			input:    "failed to connect to https://192.168.1.1:8080/api with token=abc123def",
			expected: "failed to connect to [URL] with [REDACTED]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestWithSubStatus_SliceIsolation(t *testing.T) {
	// Create original status with sub-statuses
	original := Status{
		Component: "parent",
		Status:    "healthy",
		SubStatuses: []Status{
			{Component: "child1", Status: "healthy"},
		},
	}

	// Add a new sub-status
	modified := original.WithSubStatus(Status{
		Component: "child2",
		Status:    "unhealthy",
	})

	// Verify original is unchanged
	assert.Len(t, original.SubStatuses, 1, "Original should still have 1 sub-status")
	assert.Len(t, modified.SubStatuses, 2, "Modified should have 2 sub-statuses")

	// Verify they don't share the underlying array
	assert.Equal(t, "child1", original.SubStatuses[0].Component)
	assert.Equal(t, "child1", modified.SubStatuses[0].Component)
	assert.Equal(t, "child2", modified.SubStatuses[1].Component)

	// Modify the original's sub-status
	original.SubStatuses[0].Status = "degraded"

	// Verify modified is unaffected
	assert.Equal(t, "degraded", original.SubStatuses[0].Status)
	assert.Equal(t, "healthy", modified.SubStatuses[0].Status, "Modified should not be affected by changes to original")
}

func TestFromError_SanitizesStorageErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name: "inventory sqlite open",
			err: errors.WrapFatal(fmt.Errorf("unable to open database file: /var/lib/sensorlink/inventory.db"),
				"SQLiteStore", "OpenSQLite", "open database"),
			expected: "SQLiteStore.OpenSQLite: open database failed: unable to open database file: [PATH]",
		},
		{
			name: "frame store write",
			err: errors.WrapTransient(fmt.Errorf("database is locked (/var/lib/sensorlink/frames.db)"),
				"FrameStore", "Put", "insert frame"),
			expected: "FrameStore.Put: insert frame failed: database is locked ([PATH])",
		},
		{
			name: "inventory kv read",
			err: errors.WrapTransient(fmt.Errorf("nats: timeout talking to nats://10.0.0.5:4222"),
				"KVStore", "Get", "read device"),
			expected: "KVStore.Get: read device failed: nats: timeout talking to [URL]",
		},
		{
			name: "seed file",
			err: errors.Wrap(fmt.Errorf("open /etc/sensorlink/devices.yaml: no such file or directory"),
				"Inventory", "Seed", "read seed file"),
			expected: "Inventory.Seed: read seed file failed: open [PATH]: no such file or directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := FromError("inventory", tt.err)
			assert.True(t, status.IsUnhealthy())
			assert.Equal(t, tt.expected, status.Message)
			assert.NotContains(t, status.Message, "sensorlink/")
		})
	}
}

func TestFromUplinkState_SanitizesLastError(t *testing.T) {
	lost := errors.WrapTransient(fmt.Errorf("token request to https://auth.example.com/oauth/token failed: status 401"),
		"Uplink", "connectOnce", "fetch token")

	status := FromUplinkState("uplink", "CONNECTION_LOST", 3, lost)
	assert.True(t, status.IsDegraded())
	assert.Equal(t,
		"uplink connection lost, buffering: Uplink.connectOnce: fetch token failed: token request to [URL] failed: status 401",
		status.Message)
	assert.Equal(t, 3, status.Metrics.Pending)

	status = FromUplinkState("uplink", "DISCONNECTED", 0,
		fmt.Errorf("frame store: open /var/lib/sensorlink/frames.db: permission denied"))
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "uplink disconnected: frame store: open [PATH]: permission denied", status.Message)
}
