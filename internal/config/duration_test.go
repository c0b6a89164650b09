package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{name: "milliseconds", input: "300ms", want: 300 * time.Millisecond},
		{name: "seconds", input: "30s", want: 30 * time.Second},
		{name: "minutes", input: "5m", want: 5 * time.Minute},
		{name: "compound", input: "1h30m", want: 90 * time.Minute},
		{name: "empty is zero", input: `""`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d Duration
			require.NoError(t, yaml.Unmarshal([]byte(tt.input), &d))
			assert.Equal(t, tt.want, d.Duration())
		})
	}
}

func TestDuration_UnmarshalYAML_Invalid(t *testing.T) {
	t.Parallel()

	var d Duration
	err := yaml.Unmarshal([]byte(`"not-a-duration"`), &d)
	assert.Error(t, err)
}

func TestDuration_MarshalYAML(t *testing.T) {
	t.Parallel()

	out, err := yaml.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Duration(15 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"15s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, 15*time.Second, d.Duration())
}
