package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterRoutesErrorsToErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &splitter{out: &out, err: &errOut}

	_, err := s.Write([]byte(`time="now" level=error msg="boom"` + "\n"))
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "boom")
}

func TestSplitterRoutesInfoToOutWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &splitter{out: &out, err: &errOut}

	_, err := s.Write([]byte(`time="now" level=info msg="started"` + "\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "started")
	assert.Empty(t, errOut.String())
}

func TestSplitterRoutesJSONErrorToErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &splitter{out: &out, err: &errOut}

	line, err := json.Marshal(map[string]string{"level": "fatal", "msg": "dying"})
	require.NoError(t, err)
	_, err = s.Write(line)
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "dying")
}

func TestNewDefaultsToInfoLevelAndTextFormatter(t *testing.T) {
	logger := New(DefaultConfig())
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}

func TestNewJSONFormat(t *testing.T) {
	logger := New(Config{Level: "debug", Format: FormatJSON})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := New(Config{Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestWithTransactionAttachesField(t *testing.T) {
	logger := logrus.New()
	entry := WithTransaction(logger, "t1")
	assert.Equal(t, "t1", entry.Data["transaction_id"])
}
