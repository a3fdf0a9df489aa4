package transform_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-edgegateway/pkg/sender"
	"github.com/illmade-knight/go-edgegateway/pkg/transform"
	"github.com/illmade-knight/go-edgegateway/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedClock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func testSenderConfig() *sender.SenderConfig {
	return &sender.SenderConfig{
		Subject:     "sensor-reading",
		DeviceID:    "gw-01",
		DisplayName: "Gateway 01",
	}
}

func TestTransform_StampsIdentity(t *testing.T) {
	tr := transform.NewTransformer(testSenderConfig(), fixedClock)

	rec := tr.Transform(types.RawItem{
		ID:       "item-1",
		Source:   "http",
		Payload:  []byte(`{"temp":21.5}`),
		Metadata: map[string]string{"unit": "C"},
	})

	assert.Equal(t, "item-1", rec.ID)
	assert.Equal(t, "gw-01", rec.DeviceID)
	assert.Equal(t, "Gateway 01", rec.DisplayName)
	assert.Equal(t, "sensor-reading", rec.Subject)
	assert.Equal(t, "http", rec.Source)
	assert.JSONEq(t, `{"temp":21.5}`, string(rec.Payload))
	assert.Equal(t, map[string]string{"unit": "C"}, rec.Metadata)
	assert.Equal(t, fixedClock(), rec.CreatedAt)
}

func TestTransform_Deterministic(t *testing.T) {
	tr := transform.NewTransformer(testSenderConfig(), fixedClock)
	item := types.RawItem{ID: "item-2", Source: "mqtt", Payload: []byte(`[1,2,3]`), Metadata: map[string]string{"a": "b"}}

	first, err := tr.Transform(item).Encode()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := tr.Transform(item).Encode()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTransform_NonJSONPayloadIsCarriedAsString(t *testing.T) {
	tr := transform.NewTransformer(testSenderConfig(), fixedClock)

	rec := tr.Transform(types.RawItem{ID: "item-3", Source: "serial", Payload: []byte("temp=21.5")})

	var s string
	require.NoError(t, json.Unmarshal(rec.Payload, &s))
	assert.Equal(t, "temp=21.5", s)
	assert.NotNil(t, rec.Metadata)
}

func TestTransform_DoesNotAliasInput(t *testing.T) {
	tr := transform.NewTransformer(testSenderConfig(), fixedClock)
	item := types.RawItem{ID: "item-4", Source: "http", Payload: []byte(`{"v":1}`), Metadata: map[string]string{"k": "v"}}

	rec := tr.Transform(item)
	item.Payload[5] = '9'
	item.Metadata["k"] = "changed"

	assert.JSONEq(t, `{"v":1}`, string(rec.Payload))
	assert.Equal(t, "v", rec.Metadata["k"])
}

func TestValidate(t *testing.T) {
	limits := transform.Limits{MinPayloadSize: 2, MaxPayloadSize: 10}

	testCases := []struct {
		name      string
		item      types.RawItem
		expectErr bool
	}{
		{name: "valid", item: types.RawItem{Source: "http", Payload: []byte(`{"a":1}`)}},
		{name: "missing source", item: types.RawItem{Payload: []byte(`{}`)}, expectErr: true},
		{name: "empty payload", item: types.RawItem{Source: "http"}, expectErr: true},
		{name: "below minimum", item: types.RawItem{Source: "http", Payload: []byte(`1`)}, expectErr: true},
		{name: "above maximum", item: types.RawItem{Source: "http", Payload: []byte(`{"long":"value"}`)}, expectErr: true},
		{name: "exactly maximum", item: types.RawItem{Source: "http", Payload: []byte(`0123456789`)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := transform.Validate(tc.item, limits)
			if tc.expectErr {
				require.Error(t, err)
				assert.True(t, transform.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithValidation(t *testing.T) {
	var admitted []string
	next := func(item types.RawItem) error {
		admitted = append(admitted, item.ID)
		return nil
	}
	enqueue := transform.WithValidation(next, transform.DefaultLimits(), zerolog.Nop())

	require.NoError(t, enqueue(types.RawItem{ID: "ok", Source: "http", Payload: []byte(`{}`)}))
	err := enqueue(types.RawItem{ID: "bad", Source: "http"})

	var ve *transform.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "bad", ve.ItemID)
	assert.Equal(t, "empty payload", ve.Reason)
	assert.Equal(t, []string{"ok"}, admitted, "malformed items must not reach the queue")
}
