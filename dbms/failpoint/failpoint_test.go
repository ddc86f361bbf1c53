package failpoint

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModes(t *testing.T) {
	defer DisableAll()

	tests := []struct {
		name  string
		cfg   Config
		fails []bool
	}{
		{"always", Config{Mode: Always}, []bool{true, true, true}},
		{"once", Config{Mode: Once}, []bool{true, false, false}},
		{"after", Config{Mode: AfterN, N: 2}, []bool{false, false, true, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Enable(tt.name, tt.cfg)
			defer Disable(tt.name)
			for i, want := range tt.fails {
				err := Hit(tt.name)
				if want {
					require.Error(t, err, "hit %d", i)
					assert.True(t, errors.Is(err, ErrInjected))
				} else {
					require.NoError(t, err, "hit %d", i)
				}
			}
		})
	}
}

func TestDisabledPointIsSilent(t *testing.T) {
	assert.NoError(t, Hit("nothing"))
	Enable("x", Config{})
	assert.True(t, IsEnabled("x"))
	Disable("x")
	assert.False(t, IsEnabled("x"))
	assert.NoError(t, Hit("x"))
}
