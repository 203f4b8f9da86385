package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooks_RunInOrder(t *testing.T) {
	h := New()
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		h.Hook(Ready, func(context.Context) error {
			got = append(got, i)
			return nil
		})
	}
	h.Hook(Close, func(context.Context) error {
		t.Error("close hook ran on ready")
		return nil
	})

	require.NoError(t, h.Call(context.Background(), Ready))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 3, h.Len(Ready))
}

func TestHooks_StopAtFirstError(t *testing.T) {
	h := New()
	boom := errors.New("boom")
	ran := 0
	h.Hook(Ready, func(context.Context) error { ran++; return boom })
	h.Hook(Ready, func(context.Context) error { ran++; return nil })

	err := h.Call(context.Background(), Ready)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ran)
}

func TestHooks_UnknownNameIsNoop(t *testing.T) {
	assert.NoError(t, New().Call(context.Background(), "nothing"))
}
