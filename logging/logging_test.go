package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	l, err := New(Config{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)
}

func TestJSONFormat(t *testing.T) {
	var out bytes.Buffer
	l, err := New(Config{Level: "debug", Format: "json"}, &out)
	require.NoError(t, err)

	l.WithField("session", "abc").Debug("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "abc", entry["session"])
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
