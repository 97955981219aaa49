package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/phoneerr"
)

func TestNewConfigDerivesCanonicalURI(t *testing.T) {
	tests := []struct {
		server    string
		uri       string
		hostPort  string
		transport TransportType
	}{
		{"wss://pbx.example.com:8089/ws", "sip:1001@pbx.example.com", "pbx.example.com:8089", TransportWSS},
		{"ws://10.0.0.5:8088/ws", "sip:1001@10.0.0.5", "10.0.0.5:8088", TransportWS},
		{"wss://sip.example.org", "sip:1001@sip.example.org", "sip.example.org:443", TransportWSS},
		{"WS://sip.example.org/", "sip:1001@sip.example.org", "sip.example.org:80", TransportWS},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			cfg, err := NewConfig("1001", "secret", tt.server)
			require.NoError(t, err)
			assert.Equal(t, tt.uri, cfg.URI)
			assert.Equal(t, tt.hostPort, cfg.HostPort())
			assert.Equal(t, tt.transport, cfg.Transport())
		})
	}
}

func TestNewConfigRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		username string
		server   string
	}{
		{"пустое имя", "", "wss://pbx.example.com"},
		{"имя из пробелов", "   ", "wss://pbx.example.com"},
		{"пустой сервер", "1001", ""},
		{"схема sip", "1001", "sip:pbx.example.com"},
		{"схема http", "1001", "https://pbx.example.com"},
		{"без хоста", "1001", "wss:///ws"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.username, "secret", tt.server)
			require.Error(t, err)
			assert.ErrorIs(t, err, phoneerr.ErrInvalidConfig)
		})
	}
}

func TestTargetURI(t *testing.T) {
	cfg, err := NewConfig("1001", "", "wss://pbx.example.com:8089/ws")
	require.NoError(t, err)

	assert.Equal(t, "sip:1002@pbx.example.com", cfg.TargetURI("1002"))
	assert.Equal(t, "sip:1002@pbx.example.com", cfg.TargetURI(" 1002 "))
	assert.Equal(t, "sip:bob@other.net", cfg.TargetURI("bob@other.net"))
	assert.Equal(t, "sips:bob@other.net", cfg.TargetURI("sips:bob@other.net"))
}

func TestConfigEqual(t *testing.T) {
	a, _ := NewConfig("1001", "x", "wss://pbx.example.com")
	b, _ := NewConfig("1001", "x", "wss://pbx.example.com")
	c, _ := NewConfig("1001", "y", "wss://pbx.example.com")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
