package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming_Validate(t *testing.T) {
	assert.ErrorIs(t, Framing{}.Validate(), ErrInvalidFraming)
	assert.ErrorIs(t, FixedLength(-1).Validate(), ErrInvalidFraming)
	assert.NoError(t, FixedLength(0).Validate())
	assert.NoError(t, Terminator('\r').Validate())
}

func TestFraming_Complete(t *testing.T) {
	tests := []struct {
		name    string
		framing Framing
		buf     string
		want    bool
	}{
		{"zero length on nothing", FixedLength(0), "", true},
		{"short", FixedLength(3), "12", false},
		{"exact", FixedLength(3), "123", true},
		{"terminator missing", Terminator('\n'), "abc", false},
		{"terminator present", Terminator('\n'), "abc\n", true},
		{"empty never terminated", Terminator('\n'), "", false},
		{"zero framing", Framing{}, "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.framing.complete([]byte(tt.buf)))
		})
	}
}

func TestNewRequest(t *testing.T) {
	_, err := NewRequest(nil, Terminator('\n'))
	assert.Error(t, err)

	_, err = NewRequest([]byte("@#\n"), Framing{})
	assert.ErrorIs(t, err, ErrInvalidFraming)

	cmd := []byte("@#\n")
	req, err := NewRequest(cmd, Terminator('\n'))
	require.NoError(t, err)
	cmd[0] = 'X'
	assert.Equal(t, "@#\n", string(req.Command))

	term, ok := req.Framing.IsTerminated()
	assert.True(t, ok)
	assert.Equal(t, byte('\n'), term)
	_, ok = req.Framing.IsFixed()
	assert.False(t, ok)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "complete", StatusComplete.String())
	assert.Equal(t, "timed_out", StatusTimedOut.String())
	assert.Equal(t, "empty", StatusEmpty.String())
}
