package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedia_IsNetworkSource(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		expected bool
	}{
		{name: "https url", uri: "https://cdn.example.com/a.mp3", expected: true},
		{name: "http url upper case scheme", uri: "HTTP://cdn.example.com/a.mp3", expected: true},
		{name: "local file", uri: "/music/a.flac", expected: false},
		{name: "file scheme", uri: "file:///music/a.flac", expected: false},
		{name: "empty", uri: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Media{ID: "id", URI: tt.uri}
			assert.Equal(t, tt.expected, m.IsNetworkSource())
		})
	}
}

func TestIndexOf(t *testing.T) {
	items := []Media{{ID: "a"}, {ID: "b"}, {ID: "b"}}

	assert.Equal(t, 0, IndexOf(items, "a"))
	assert.Equal(t, 1, IndexOf(items, "b"), "first match wins")
	assert.Equal(t, -1, IndexOf(items, "missing"))
	assert.Equal(t, -1, IndexOf(nil, "a"))
}

func TestIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, IDs([]Media{{ID: "a"}, {ID: "b"}}))
	assert.Empty(t, IDs(nil))
}
