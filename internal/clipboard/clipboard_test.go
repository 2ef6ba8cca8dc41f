package clipboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeLookPath(installed ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, candidate := range installed {
			if candidate == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestDetectPrefersWayland(t *testing.T) {
	t.Parallel()

	c := &Copier{goos: "linux", lookPath: fakeLookPath("xclip", "wl-copy")}
	got, err := c.detect()
	require.NoError(t, err)
	require.Equal(t, "wl-copy", got.name)
	require.False(t, got.detached)
}

func TestDetectFallsBackToX11Tools(t *testing.T) {
	t.Parallel()

	c := &Copier{goos: "linux", lookPath: fakeLookPath("xclip")}
	got, err := c.detect()
	require.NoError(t, err)
	require.Equal(t, "xclip", got.name)
	require.True(t, got.detached)

	c = &Copier{goos: "linux", lookPath: fakeLookPath("xsel")}
	got, err = c.detect()
	require.NoError(t, err)
	require.Equal(t, "xsel", got.name)
}

func TestDetectDarwinOnlyUsesPbcopy(t *testing.T) {
	t.Parallel()

	c := &Copier{goos: "darwin", lookPath: fakeLookPath("wl-copy")}
	_, err := c.detect()
	require.ErrorIs(t, err, ErrUnavailable)

	c = &Copier{goos: "darwin", lookPath: fakeLookPath("pbcopy")}
	got, err := c.detect()
	require.NoError(t, err)
	require.Equal(t, "pbcopy", got.name)
}

func TestCopyWithoutToolFails(t *testing.T) {
	t.Parallel()

	c := &Copier{goos: "linux", lookPath: fakeLookPath()}
	require.ErrorIs(t, c.Copy(context.Background(), "https://example.ngrok.app"), ErrUnavailable)
}
