// SPDX-License-Identifier: MIT
package media

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcm builds seconds of mono s16le at the VAD probe rate with a constant
// amplitude (0..1).
func pcm(seconds, amplitude float64) []byte {
	n := int(seconds * vadSampleRate)
	sample := int16(amplitude * 32767)
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}

func TestScanPCMFindsSilenceSpan(t *testing.T) {
	s := &RMSScanner{ThresholdDBFS: -30, MinSilence: 0.5}

	var stream bytes.Buffer
	stream.Write(pcm(1, 0.5))  // loud
	stream.Write(pcm(1, 0))    // silent
	stream.Write(pcm(1, 0.5))  // loud

	intervals, err := s.scanPCM(&stream, 100)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.InDelta(t, 101, intervals[0].Start, 0.1)
	assert.InDelta(t, 102, intervals[0].End, 0.1)
	assert.InDelta(t, 101.5, intervals[0].Mid(), 0.1)
}

func TestScanPCMIgnoresShortDips(t *testing.T) {
	s := &RMSScanner{ThresholdDBFS: -30, MinSilence: 0.5}

	var stream bytes.Buffer
	stream.Write(pcm(1, 0.5))
	stream.Write(pcm(0.2, 0)) // shorter than MinSilence
	stream.Write(pcm(1, 0.5))

	intervals, err := s.scanPCM(&stream, 0)
	require.NoError(t, err)
	assert.Empty(t, intervals)
}

func TestScanPCMTrailingSilence(t *testing.T) {
	s := &RMSScanner{ThresholdDBFS: -30, MinSilence: 0.5}

	var stream bytes.Buffer
	stream.Write(pcm(0.5, 0.5))
	stream.Write(pcm(1, 0))

	intervals, err := s.scanPCM(&stream, 0)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.InDelta(t, 0.5, intervals[0].Start, 0.1)
	assert.InDelta(t, 1.5, intervals[0].End, 0.1)
}

func TestScanPCMAllSilent(t *testing.T) {
	s := &RMSScanner{ThresholdDBFS: -30, MinSilence: 0.5}

	intervals, err := s.scanPCM(bytes.NewReader(pcm(2, 0)), 0)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.InDelta(t, 0, intervals[0].Start, 0.01)
	assert.InDelta(t, 2, intervals[0].End, 0.01)
}

func TestScanWindowShorterThanRange(t *testing.T) {
	s := &RMSScanner{ThresholdDBFS: -30, MinSilence: 0.5}
	intervals, err := s.Scan(t.Context(), "irrelevant", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, intervals, "empty window never probes")
}
