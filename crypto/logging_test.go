package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevLevel, prevFormatter := logrus.StandardLogger().Out, logrus.GetLevel(), logrus.StandardLogger().Formatter
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	t.Cleanup(func() {
		logrus.SetOutput(prevOut)
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})
	return &buf
}

func TestPackageLogger(t *testing.T) {
	t.Run("crypto package by default", func(t *testing.T) {
		buf := captureLogs(t)
		NewLogger("SealReceipt").Info("sealed")
		assert.Contains(t, buf.String(), `"package":"crypto"`)
		assert.Contains(t, buf.String(), `"function":"SealReceipt"`)
	})

	t.Run("fields and error", func(t *testing.T) {
		buf := captureLogs(t)
		NewPackageLogger("receipt", "ProcessBatch").
			WithField("index", 3).
			WithFields(logrus.Fields{"message_id": "m-1"}).
			WithError(errors.New("boom"), "*errors.errorString", "apply receipt").
			Warn("not applied")

		out := buf.String()
		assert.Contains(t, out, `"package":"receipt"`)
		assert.Contains(t, out, `"index":3`)
		assert.Contains(t, out, `"message_id":"m-1"`)
		assert.Contains(t, out, `"error":"boom"`)
		assert.Contains(t, out, `"operation":"apply receipt"`)
		assert.Contains(t, out, `"level":"warning"`)
	})

	t.Run("levels", func(t *testing.T) {
		buf := captureLogs(t)
		l := NewLogger("levels")
		l.Debug("d")
		l.Error("e")
		assert.Contains(t, buf.String(), `"level":"debug"`)
		assert.Contains(t, buf.String(), `"level":"error"`)
	})
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
	}{
		{"nil", nil, "nil"},
		{"short", []byte{0xab, 0xcd}, "abcd"},
		{"truncated", bytes.Repeat([]byte{0x01}, 12), "0101010101010101..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := SecureFieldHash(tt.data, "sealed")
			assert.Equal(t, tt.preview, f["sealed_preview"])
			assert.Equal(t, len(tt.data), f["sealed_size"])
		})
	}
}
