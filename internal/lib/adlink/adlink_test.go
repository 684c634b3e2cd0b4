package adlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantErr  bool
	}{
		{name: "query placeholder", template: "https://ads.example.com/watch?t={token}"},
		{name: "path placeholder", template: "http://ads.example.com/w/{token}"},
		{name: "no placeholder", template: "https://ads.example.com/watch", wantErr: true},
		{name: "relative", template: "/watch?t={token}", wantErr: true},
		{name: "other scheme", template: "ftp://ads.example.com/{token}", wantErr: true},
		{name: "empty", template: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.template)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLinker_Link(t *testing.T) {
	l, err := New("https://ads.example.com/watch?t={token}&src=bot")
	require.NoError(t, err)

	assert.Equal(t, "https://ads.example.com/watch?t=aaa.bbb.c-c_c&src=bot", l.Link("aaa.bbb.c-c_c"))
	assert.Equal(t, "https://ads.example.com/watch?t=a%2Bb%3D&src=bot", l.Link("a+b="))
}
