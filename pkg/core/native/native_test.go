package native

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
    r := newRegistry[string]()
    h1 := r.reserve()
    h2 := r.reserve()
    require.NotZero(t, h1)
    require.NotEqual(t, h1, h2)

    require.NoError(t, r.add(h1, "a"))
    require.ErrorIs(t, r.add(h1, "b"), ErrDuplicateHandle)
    v, ok := r.get(h1)
    require.True(t, ok)
    require.Equal(t, "a", v)

    r.remove(h1)
    _, ok = r.get(h1)
    require.False(t, ok)
    require.Zero(t, r.len())
}

func TestFactoryMatchesAvailability(t *testing.T) {
    f, err := Factory()
    if Available() {
        require.NoError(t, err)
        require.NotNil(t, f)
        return
    }
    require.ErrorIs(t, err, ErrUnavailable)
    require.Nil(t, f)
}

func TestVersionWithoutNode(t *testing.T) {
    v, err := Version()
    if !Available() {
        require.ErrorIs(t, err, ErrUnavailable)
        require.Zero(t, v)
        return
    }
    require.NoError(t, err)
    require.NotZero(t, v.Major+v.Minor+v.Revision)
}
