package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple relative", "src/main.go", "/workspace/src/main.go"},
		{"leading slash stripped", "/src/main.go", "/workspace/src/main.go"},
		{"many leading slashes", "///src", "/workspace/src"},
		{"backslashes converted", `src\sub\file.cs`, "/workspace/src/sub/file.cs"},
		{"dot segments resolved", "a/./b/../c", "/workspace/a/c"},
		{"workspace root itself", ".", "/workspace"},
		{"root via slash", "/", "/workspace"},
		{"escape that comes back", "../workspace/x", "/workspace/x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolvePath(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolvePath_Escapes(t *testing.T) {
	for _, in := range []string{"..", "../../etc", "a/../../etc/passwd", `..\..\etc`} {
		t.Run(in, func(t *testing.T) {
			_, err := resolvePath(in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPathEscape)
			assert.Contains(t, err.Error(), "outside the workspace directory")
		})
	}
}

func TestResolvePath_EmptyRejected(t *testing.T) {
	for _, in := range []string{"", "   ", "\t"} {
		_, err := resolvePath(in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "null or empty")
	}
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, `'plain'`, quoteArg("plain"))
	assert.Equal(t, `'it'\''s'`, quoteArg("it's"))
}
