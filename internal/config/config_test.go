package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfspy/nfspy/internal/bytesize"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "nfspy.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeYAML(t, "server: \"host:/export\"\n")

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, "host:/export", cfg.Server)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, 120*time.Second, cfg.CacheTimeout)
	assert.Equal(t, "udp", cfg.MountPort.Transport)
	assert.Equal(t, "udp", cfg.NFSPort.Transport)
	assert.Equal(t, uint32(3), cfg.NFSVersion)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 32*bytesize.KiB, cfg.MaxBlockSize)
}

func TestLoad_NoConfigFile_FlagsOnly(t *testing.T) {
	flags := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	flags.String("server", "", "")
	require.NoError(t, flags.Set("server", "otherhost:/vol/export"))

	cfg, err := Load(flags, "")
	require.NoError(t, err)
	assert.Equal(t, "otherhost:/vol/export", cfg.Server)
}

func TestLoad_MissingServer(t *testing.T) {
	_, err := Load(nil, "")
	assert.Error(t, err)
}

func TestLoad_ServerMissingColon(t *testing.T) {
	path := writeYAML(t, "server: \"nocolon\"\n")
	_, err := Load(nil, path)
	assert.Error(t, err)
}

func TestLoad_InvalidNFSVersion(t *testing.T) {
	path := writeYAML(t, "server: \"host:/export\"\nnfsversion: 4\n")
	_, err := Load(nil, path)
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeYAML(t, "server: [unterminated\n")
	_, err := Load(nil, path)
	assert.Error(t, err)
}

func TestLoad_UppercasesLoggingLevel(t *testing.T) {
	path := writeYAML(t, "server: \"host:/export\"\nlogging:\n  level: debug\n")
	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoad_PortAndDurationDecodeHooks(t *testing.T) {
	path := writeYAML(t, `server: "host:/export"
mountport: "635/tcp"
nfsport: "2049"
cachetimeout: "5m"
`)
	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, PortSpec{Port: 635, Transport: "tcp"}, cfg.MountPort)
	assert.Equal(t, PortSpec{Port: 2049, Transport: "udp"}, cfg.NFSPort)
	assert.Equal(t, 5*time.Minute, cfg.CacheTimeout)
}

func TestLoad_BytesizeDecodeHook(t *testing.T) {
	path := writeYAML(t, "server: \"host:/export\"\nmaxblocksize: \"64Ki\"\n")
	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, 64*bytesize.KiB, cfg.MaxBlockSize)
}

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		in   string
		want PortSpec
	}{
		{"", PortSpec{Transport: "udp"}},
		{"2049", PortSpec{Port: 2049, Transport: "udp"}},
		{"635/tcp", PortSpec{Port: 635, Transport: "tcp"}},
		{"111/UDP", PortSpec{Port: 111, Transport: "udp"}},
	}
	for _, tt := range tests {
		got, err := ParsePortSpec(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParsePortSpec_BadTransport(t *testing.T) {
	_, err := ParsePortSpec("2049/sctp")
	assert.Error(t, err)
}

func TestParsePortSpec_BadPort(t *testing.T) {
	_, err := ParsePortSpec("notaport/tcp")
	assert.Error(t, err)
}

func TestConfig_ParseServer(t *testing.T) {
	cfg := &Config{Server: "nfshost:/export/home"}
	host, path, err := cfg.ParseServer()
	require.NoError(t, err)
	assert.Equal(t, "nfshost", host)
	assert.Equal(t, "/export/home", path)
}

func TestConfig_ParseServer_Invalid(t *testing.T) {
	cfg := &Config{Server: "nocolon"}
	_, _, err := cfg.ParseServer()
	assert.Error(t, err)
}

func TestParseDirHandle(t *testing.T) {
	got, err := ParseDirHandle("00:01:0a:ff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x0a, 0xff}, got)
}

func TestParseDirHandle_OddLength(t *testing.T) {
	_, err := ParseDirHandle("abc")
	assert.Error(t, err)
}

func TestParseDirHandle_NotHex(t *testing.T) {
	_, err := ParseDirHandle("zz")
	assert.Error(t, err)
}
