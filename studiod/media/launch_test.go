package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLaunch(t *testing.T) {
	g, err := ParseLaunch("testsrc pattern=ball num-buffers=5 ! queue leaky=downstream ! fakesink name=out", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown() })

	assert.Equal(t, 3, g.Stats().Nodes)
	assert.Equal(t, 2, g.Stats().Links)
	require.NotNil(t, g.Node("out"))
	assert.Equal(t, "testsrc", g.Node("testsrc0").Kind())
}

func TestParseLaunchErrors(t *testing.T) {
	tests := []struct {
		description string
		code        ParseErrorCode
	}{
		{"", ParseErrorEmpty},
		{"testsrc ! ! fakesink", ParseErrorSyntax},
		{"testsrc pattern ! fakesink", ParseErrorSyntax},
		{"nosuchelement ! fakesink", ParseErrorNoSuchElement},
		{"testsrc pattern=nope ! fakesink", ParseErrorNoSuchProperty},
		{"fakesink ! testsrc", ParseErrorLink},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			_, err := ParseLaunch(tt.description, nil, nil)
			var perr ParseError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, tt.code, perr.Code)
		})
	}
}
