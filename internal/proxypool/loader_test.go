package proxypool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marlonbarreto-git/boom-payment-core/internal/config"
	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyLine(t *testing.T) {
	tests := []struct {
		line     string
		expected model.EndpointConfig
	}{
		{
			line: "203.0.113.7:8080",
			expected: model.EndpointConfig{
				ID: "203.0.113.7:8080", Host: "203.0.113.7", Port: 8080, Protocol: model.ProtocolHTTP,
			},
		},
		{
			line: "203.0.113.7:8080:alice:s3cret",
			expected: model.EndpointConfig{
				ID: "203.0.113.7:8080", Host: "203.0.113.7", Port: 8080,
				Username: "alice", Password: "s3cret", Protocol: model.ProtocolHTTP,
			},
		},
		{
			line: "alice:s3cret@proxy.example.com:3128",
			expected: model.EndpointConfig{
				ID: "proxy.example.com:3128", Host: "proxy.example.com", Port: 3128,
				Username: "alice", Password: "s3cret", Protocol: model.ProtocolHTTP,
			},
		},
		{
			line: "socks5://bob:pw@10.1.1.1:1080",
			expected: model.EndpointConfig{
				ID: "10.1.1.1:1080", Host: "10.1.1.1", Port: 1080,
				Username: "bob", Password: "pw", Protocol: model.ProtocolSOCKS5,
			},
		},
		{
			line: "https://secure.example.com:443",
			expected: model.EndpointConfig{
				ID: "secure.example.com:443", Host: "secure.example.com", Port: 443, Protocol: model.ProtocolHTTPS,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseProxyLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseProxyLine_Invalid(t *testing.T) {
	for _, line := range []string{
		"justahost",
		"host:notaport",
		"a:b:c",
		"nopassword@host:80",
		"user:pw@host",
		"ftp://host:21",
		"host:80:user:pw:extra",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := parseProxyLine(line)
			assert.Error(t, err)
		})
	}
}

func TestParseLines_SkipsCommentsAndBlanks(t *testing.T) {
	input := `
# primary egress
10.0.0.1:3128

  # indented comment
user:pw@10.0.0.2:3128
`
	got, err := ParseLines(strings.NewReader(input))

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.1:3128", got[0].ID)
	assert.Equal(t, "user", got[1].Username)
}

func TestParseLines_ReportsLineNumber(t *testing.T) {
	_, err := ParseLines(strings.NewReader("10.0.0.1:3128\n\nbroken\n"))

	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "proxy line 3", ce.Field)
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")
	content := `
- id: edge-1
  host: 198.51.100.10
  port: 3128
  protocol: http
  timeout_ms: 5000
- id: edge-2
  host: 198.51.100.11
  port: 1080
  username: svc
  password: hunter2
  protocol: socks5
  timeout_ms: 8000
  max_fails: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	got, err := LoadFile(path)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.EndpointConfig{
		ID: "edge-1", Host: "198.51.100.10", Port: 3128, Protocol: model.ProtocolHTTP, TimeoutMs: 5000,
	}, got[0])
	assert.Equal(t, model.ProtocolSOCKS5, got[1].Protocol)
	assert.Equal(t, "hunter2", got[1].Password)
	assert.Equal(t, 5, got[1].MaxFails)

	p, _ := newTestPool(t)
	require.NoError(t, p.Load(got))
	assert.Len(t, p.Endpoints(), 2)
}

func TestLoadFile_Text(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte("10.0.0.1:3128\nsocks5://10.0.0.2:1080\n"), 0o600))

	got, err := LoadFile(path)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.ProtocolSOCKS5, got[1].Protocol)
}

func TestLoadFile_EmptyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	got, err := LoadFile(path)

	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
