package segmenter

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// checkerEngine keeps every pixel whose x+y is even and clears the rest.
type checkerEngine struct {
	closed atomic.Bool
}

func (e *checkerEngine) RemoveBackground(ctx context.Context, data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	mask := image.NewGray(img.Bounds())
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			if (x+y)%2 == 0 {
				mask.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, cutout(img, mask)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *checkerEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type countingFactory struct {
	calls atomic.Int32
	fail  error
}

func (f *countingFactory) load(model string) (Engine, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return &checkerEngine{}, nil
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewSessionFailsWhenModelCannotLoad(t *testing.T) {
	factory := &countingFactory{fail: errors.New("model file missing")}

	_, err := NewSession("u2net", factory.load, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "could not load model u2net")
}

func TestSessionInitializesOnce(t *testing.T) {
	factory := &countingFactory{}
	s, err := NewSession("u2net", factory.load, zap.NewNop())
	require.NoError(t, err)

	input := samplePNG(t, 6, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RemoveBackground(context.Background(), input)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), factory.calls.Load())
	ready, initErr := s.Health()
	assert.True(t, ready)
	assert.NoError(t, initErr)
}

func TestSessionReloadsAfterClose(t *testing.T) {
	factory := &countingFactory{}
	s, err := NewSession("u2netp", factory.load, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	ready, initErr := s.Health()
	assert.True(t, ready, "a closed session reloads on demand")
	assert.NoError(t, initErr)

	_, err = s.RemoveBackground(context.Background(), samplePNG(t, 2, 2))
	require.NoError(t, err)
	_, err = s.RemoveBackground(context.Background(), samplePNG(t, 2, 2))
	require.NoError(t, err)

	assert.Equal(t, int32(2), factory.calls.Load())
}

func TestSessionReportsReloadFailure(t *testing.T) {
	factory := &countingFactory{}
	s, err := NewSession("u2net", factory.load, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	factory.fail = errors.New("runtime gone")
	_, err = s.RemoveBackground(context.Background(), samplePNG(t, 2, 2))
	assert.ErrorIs(t, err, ErrNotReady)

	ready, initErr := s.Health()
	assert.False(t, ready)
	assert.Error(t, initErr)
}

func TestSessionOutputIsDeterministic(t *testing.T) {
	s, err := NewSession("u2net", (&countingFactory{}).load, zap.NewNop())
	require.NoError(t, err)

	input := samplePNG(t, 9, 5)
	first, err := s.RemoveBackground(context.Background(), input)
	require.NoError(t, err)
	second, err := s.RemoveBackground(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
