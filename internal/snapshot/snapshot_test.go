package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturerFunc func(ctx context.Context, gridSize int) (Snapshot, error)

func (f capturerFunc) TakeScreenshot(ctx context.Context, gridSize int) (Snapshot, error) {
	return f(ctx, gridSize)
}

func valid() Snapshot {
	return Snapshot{Image: []byte{1}, GridImage: []byte{2}, GridSize: 6, Width: 100, Height: 50, ScaleFactor: 1}
}

func TestValidate(t *testing.T) {
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Snapshot){
		"no image":   func(s *Snapshot) { s.Image = nil },
		"no grid":    func(s *Snapshot) { s.GridImage = nil },
		"zero width": func(s *Snapshot) { s.Width = 0 },
		"zero scale": func(s *Snapshot) { s.ScaleFactor = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := valid()
			mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestTakePassesGridSizeAndValidates(t *testing.T) {
	var got int
	snap, err := Take(context.Background(), capturerFunc(func(_ context.Context, gridSize int) (Snapshot, error) {
		got = gridSize
		return valid(), nil
	}), 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, "100x50@1x grid=6", snap.String())

	_, err = Take(context.Background(), capturerFunc(func(context.Context, int) (Snapshot, error) {
		s := valid()
		s.Height = -1
		return s, nil
	}), 4, time.Second)
	require.ErrorContains(t, err, "invalid size")
}

func TestTakeBoundsTheWait(t *testing.T) {
	_, err := Take(context.Background(), capturerFunc(func(ctx context.Context, _ int) (Snapshot, error) {
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	}), 6, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTakePropagatesErrors(t *testing.T) {
	boom := errors.New("display gone")
	_, err := Take(context.Background(), capturerFunc(func(context.Context, int) (Snapshot, error) {
		return Snapshot{}, boom
	}), 6, 0)
	require.ErrorIs(t, err, boom)
}

func TestWithDeadlineZeroKeepsContext(t *testing.T) {
	ctx := context.Background()
	got, cancel := WithDeadline(ctx, 0)
	defer cancel()
	_, ok := got.Deadline()
	assert.False(t, ok)
}
