package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusNew, false},
		{StatusRunning, false},
		{StatusFinished, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestParseQuotaClass(t *testing.T) {
	t.Run("accepts every declared class", func(t *testing.T) {
		for _, class := range Classes() {
			got, err := ParseQuotaClass(string(class))
			require.NoError(t, err)
			assert.Equal(t, class, got)
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		got, err := ParseQuotaClass("  audio-transcript ")
		require.NoError(t, err)
		assert.Equal(t, QuotaAudioTranscript, got)
	})

	t.Run("rejects unknown class", func(t *testing.T) {
		_, err := ParseQuotaClass("video-render")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown quota class")
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := ParseQuotaClass("")
		require.Error(t, err)
	})
}

func TestContextValidate(t *testing.T) {
	t.Run("accepts primitives", func(t *testing.T) {
		c := Context{
			"doc_path": "speeches/2024/0611",
			"publish":  true,
			"attempt":  3,
			"wide":     int64(1 << 40),
			"ratio":    0.5,
		}
		assert.NoError(t, c.Validate())
	})

	t.Run("nil context is valid", func(t *testing.T) {
		var c Context
		assert.NoError(t, c.Validate())
	})

	t.Run("rejects nested values", func(t *testing.T) {
		tests := []struct {
			name  string
			value any
		}{
			{"map", map[string]string{"a": "b"}},
			{"slice", []string{"a"}},
			{"struct", struct{ X int }{1}},
			{"nil value", nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c := Context{"bad": tt.value}
				err := c.Validate()
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNonPrimitiveValue)
			})
		}
	})

	t.Run("rejects empty key", func(t *testing.T) {
		c := Context{" ": "value"}
		require.Error(t, c.Validate())
	})
}

func TestContextAccessors(t *testing.T) {
	c := Context{
		"name":    "transcribe",
		"publish": true,
		"attempt": 2,
		"score":   float64(7),
	}

	assert.Equal(t, "transcribe", c.String("name", "fallback"))
	assert.Equal(t, "fallback", c.String("missing", "fallback"))
	assert.Equal(t, "fallback", c.String("publish", "fallback"))

	assert.True(t, c.Bool("publish", false))
	assert.False(t, c.Bool("missing", false))

	assert.Equal(t, 2, c.Int("attempt", -1))
	// JSON decoding turns ints into float64; the accessor accepts both.
	assert.Equal(t, 7, c.Int("score", -1))
	assert.Equal(t, -1, c.Int("missing", -1))
	assert.Equal(t, -1, c.Int("name", -1))
}

func TestJobValidate(t *testing.T) {
	valid := func() *Job {
		return &Job{
			RequestPayload: []byte(`{"contents":[]}`),
			ModelID:        "gemini-1.5-flash",
			QuotaClass:     QuotaAudioTranscript,
			Continuation:   "speech.transcript",
			Context:        Context{"doc_path": "speeches/1"},
		}
	}

	t.Run("valid job passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing model", func(t *testing.T) {
		j := valid()
		j.ModelID = " "
		require.Error(t, j.Validate())
	})

	t.Run("missing continuation", func(t *testing.T) {
		j := valid()
		j.Continuation = ""
		require.Error(t, j.Validate())
	})

	t.Run("unknown quota class", func(t *testing.T) {
		j := valid()
		j.QuotaClass = "mystery"
		require.Error(t, j.Validate())
	})

	t.Run("empty payload", func(t *testing.T) {
		j := valid()
		j.RequestPayload = nil
		require.Error(t, j.Validate())
	})

	t.Run("invalid context", func(t *testing.T) {
		j := valid()
		j.Context = Context{"bad": []int{1}}
		require.Error(t, j.Validate())
	})
}
