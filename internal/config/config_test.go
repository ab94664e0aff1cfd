package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/wolk/log2"
)

func TestRead(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"empty", "", func(t testing.TB, c *Config) {
			assert.Equal(t, DefaultFirmwareVersion, c.FirmwareVersion())
			assert.Equal(t, 30*time.Second, c.Mqtt.NetworkTimeout())
			assert.False(t, c.FileManagement.Enable)
		}, ""},

		{"full", `
log_debug = true
device { key = "dev1" password = "secret" firmware_version = "2.1" }
mqtt { broker = "ssl://broker:8883" keepalive_sec = 10 network_timeout_sec = 5 tls_ca_file = "/ca.crt" }
file_management { enable = true store_path = "/var/lib/wolk/files" max_file_size = 1048576 url_download = true }
firmware_update { enable = true install_command = "/usr/bin/fw-install -v" version_path = "/var/lib/wolk/version" }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.LogDebug)
				assert.Equal(t, "2.1", c.FirmwareVersion())
				tc := c.Transport()
				assert.Equal(t, "ssl://broker:8883", tc.Broker)
				assert.Equal(t, "dev1", tc.ClientID)
				assert.Equal(t, "secret", tc.Password)
				assert.Equal(t, 10*time.Second, tc.Keepalive())
				assert.Equal(t, 5*time.Second, tc.NetworkTimeout())
				assert.Equal(t, "/ca.crt", tc.TlsCaFile)
				assert.Equal(t, "/var/lib/wolk/files", c.FileManagement.StorePath)
				assert.Equal(t, 1048576, c.FileManagement.MaxFileSize)
				assert.True(t, c.FileManagement.URLDownload)
				assert.Equal(t, "/usr/bin/fw-install -v", c.FirmwareUpdate.InstallCommand)
				assert.NoError(t, c.Validate())
			}, ""},

		{"include-normalize", `
device { key = "a" }
include "./empty" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "a", c.Device.Key)
			}, ""},

		{"include-optional", `
include "device-b" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "b", c.Device.Key)
			}, ""},

		{"include-overwrites", `
device { key = "a" }
include "device-b" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "b", c.Device.Key)
			}, ""},

		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-missing", `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"device-b":     `device { key = "b" }`,
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := Read(log, fs, "test-inline")
			if c.expectErr == "" {
				require.NoError(t, err, errors.ErrorStack(err))
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	c := &Config{}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device.key")
	assert.Contains(t, err.Error(), "mqtt.broker")

	c.Device.Key = "dev1"
	c.Mqtt.Broker = "tcp://localhost:1883"
	assert.NoError(t, c.Validate())

	c.FirmwareUpdate.Enable = true
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires file_management")
	assert.Contains(t, err.Error(), "install_command")

	c.FileManagement.Enable = true
	c.FileManagement.StorePath = "/tmp/files"
	c.FirmwareUpdate.InstallCommand = "true"
	assert.NoError(t, c.Validate())
	c.FileManagement.MaxFileSize = -1
	assert.True(t, strings.Contains(c.Validate().Error(), "max_file_size"))
}

func TestReadOs(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "wolk-config-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "main.hcl"), []byte(`
device { key = "dev1" }
include "local.hcl" { optional = true }
include "secret.hcl" {}`), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "secret.hcl"), []byte(`mqtt { broker = "tcp://b:1883" }`), 0600))

	fs, err := NewOsFullReader("")
	require.NoError(t, err)
	c, err := Read(log2.NewTest(t, log2.LDebug), fs, filepath.Join(dir, "main.hcl"))
	require.NoError(t, err)
	assert.Equal(t, "dev1", c.Device.Key)
	assert.Equal(t, "tcp://b:1883", c.Mqtt.Broker)

	_, err = Read(log2.NewTest(t, log2.LDebug), &OsFullReader{base: dir}, "absent.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
