package duplicati

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	raw := `[{
		"Backup": {
			"ID": "1",
			"Name": "docs",
			"TargetURL": "s3://bucket/folder?auth-username=AKIA&auth-password=topsecret",
			"Settings": [
				{"Name": "passphrase", "Value": "hunter2"},
				{"Name": "--auth-password", "Value": "topsecret"},
				{"Name": "keep-versions", "Value": "5"}
			],
			"Arguments": ["--passphrase=hunter2", "--dblock-size=50mb"],
			"Sources": ["/home/user/docs"]
		},
		"AccessToken": "abc",
		"Size": 12345678901234
	}]`

	out, err := Sanitize([]byte(raw))
	require.NoError(t, err)

	s := string(out)
	for _, secret := range []string{"hunter2", "topsecret", "AKIA", "bucket/folder", `"abc"`} {
		assert.NotContains(t, s, secret)
	}
	assert.Contains(t, s, `"TargetURL":"s3://"`)
	assert.Contains(t, s, `"--passphrase=[redacted]"`)
	assert.Contains(t, s, `"--dblock-size=50mb"`)
	assert.Contains(t, s, `"Value":"5"`)
	assert.Contains(t, s, `"/home/user/docs"`)
	assert.Contains(t, s, "12345678901234", "large numbers must survive unchanged")

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
}

func TestSanitize_InvalidJSON(t *testing.T) {
	_, err := Sanitize([]byte(`{"broken"`))
	assert.Error(t, err)
}

func TestSchemeOnly(t *testing.T) {
	assert.Equal(t, "ssh://", SchemeOnly("ssh://user:pw@host/path"))
	assert.Equal(t, "file://", SchemeOnly("file:///mnt/backup"))
	assert.Equal(t, "", SchemeOnly(""))
	assert.True(t, strings.Contains(SchemeOnly("/mnt/local"), "redacted"))
}
