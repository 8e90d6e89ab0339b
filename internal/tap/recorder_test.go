package tap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noiseguard/noiseguard/pkg/frame"
)

func TestRecorderWritesDecodableWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")

	r, err := NewRecorder(path, nil)
	require.NoError(t, err)

	constant := make([]float32, frame.Size)
	for i := range constant {
		constant[i] = 0.5
	}
	r.Write(constant)
	r.Write(constant)

	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoder := wav.NewDecoder(f)
	require.True(t, decoder.IsValidFile(), "recorder must produce a valid WAV file")

	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2*frame.Size, len(buf.Data))
	assert.Equal(t, frame.SampleRate, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.InDelta(t, 16383, buf.Data[0], 1, "0.5 must encode near half of int16 range")
}

func TestRecorderClampsOutOfRangeSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")

	r, err := NewRecorder(path, nil)
	require.NoError(t, err)

	loud := make([]float32, frame.Size)
	for i := range loud {
		loud[i] = 2.0
	}
	r.Write(loud)
	require.NoError(t, r.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	decoder := wav.NewDecoder(f)
	require.True(t, decoder.IsValidFile())
	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 32767, buf.Data[0])
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")

	r, err := NewRecorder(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
