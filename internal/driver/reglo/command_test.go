// internal/driver/reglo/command_test.go
package reglo

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFlow(t *testing.T) {
	tests := []struct {
		flow string
		want string
	}{
		{"12.2", "0122-1"},
		{"12.20", "0122-1"},
		{"100", "0100+0"},
		{"0.5", "0500-3"},
		{"0", "0000+0"},
		{"9.995", "0100-1"},
		{"1234.5", "0123+1"},
		{"35", "0350-1"},
	}
	for _, tt := range tests {
		t.Run(tt.flow, func(t *testing.T) {
			got, err := EncodeFlow(decimal.RequireFromString(tt.flow))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EncodeFlow(decimal.NewFromInt(-1))
	assert.Error(t, err)
	_, err = EncodeFlow(decimal.New(1, 15))
	assert.Error(t, err)
}

func TestEncodeFlowFromFloat(t *testing.T) {
	got, err := EncodeFlow(decimal.NewFromFloat(12.2))
	require.NoError(t, err)
	assert.Equal(t, "0122-1", got)
}

func TestParseFlow(t *testing.T) {
	flow, err := ParseFlow([]byte("12.20\r"))
	require.NoError(t, err)
	assert.True(t, flow.Equal(decimal.RequireFromString("12.2")))

	flow, err = ParseFlow([]byte(" 3.5 mL/min\r"))
	require.NoError(t, err)
	assert.True(t, flow.Equal(decimal.RequireFromString("3.5")))

	_, err = ParseFlow([]byte("#"))
	assert.Error(t, err)
}

func TestNearestTubing(t *testing.T) {
	tests := []struct {
		in   string
		want string
		code int
	}{
		{"0.57", "0.57", 57},
		{"0.6", "0.57", 57},
		{"1.3", "1.30", 130},
		{"5", "3.17", 317},
		{"0.01", "0.13", 13},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NearestTubing(decimal.RequireFromString(tt.in))
			assert.Equal(t, tt.want, got.StringFixed(2))
			assert.Equal(t, tt.code, tubingCode(got))
		})
	}
}

func TestAcceptFlow(t *testing.T) {
	accept := acceptFlow(decimal.RequireFromString("12.2"))
	assert.True(t, accept([]byte("12.20\r")))
	assert.True(t, accept([]byte("11.5\r")))
	assert.False(t, accept([]byte("10.9\r")))
	assert.False(t, accept([]byte("#")))

	zero := acceptFlow(decimal.Zero)
	assert.True(t, zero([]byte("0.00\r")))
	assert.False(t, zero([]byte("1.00\r")))
}
