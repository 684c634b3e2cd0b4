package sl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
)

func TestErr(t *testing.T) {
	attr := sl.Err(errors.New("store unavailable"))
	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, "store unavailable", attr.Value.String())

	assert.NotPanics(t, func() {
		attr = sl.Err(nil)
	})
	assert.Equal(t, "", attr.Value.String())
}

func TestNew(t *testing.T) {
	t.Run("prod writes json without debug", func(t *testing.T) {
		var buf bytes.Buffer
		log := sl.New(sl.EnvProd, &buf)
		log.Debug("hidden")
		log.Info("token redeemed", slog.String("token_id", "t1"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "token redeemed", entry["msg"])
		assert.Equal(t, "t1", entry["token_id"])
	})

	t.Run("local enables debug", func(t *testing.T) {
		var buf bytes.Buffer
		log := sl.New(sl.EnvLocal, &buf)
		assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
		log.Debug("visible")
		assert.Contains(t, buf.String(), "msg=visible")
	})
}
