package audiopipeline

import "encoding/binary"

// aecAligner accumulates incoming PCM chunks into AEC-sized frames,
// carrying leftover samples across calls, and drives the AEC kernel once a
// full frame is available.
type aecAligner struct {
	frameLen int
	buf      []int16
}

func newAECAligner(frameLen int) *aecAligner {
	return &aecAligner{frameLen: frameLen}
}

func (a *aecAligner) reset() {
	a.buf = a.buf[:0]
}

// push appends chunk's samples to the accumulator. Once frameLen samples
// are available it reads a time-aligned reference frame via getRef,
// invokes kernel on the (mic, ref) pair, and returns the encoded output
// frame with ready=true. Leftover samples beyond one frame are kept for
// the next call.
func (a *aecAligner) push(chunk []byte, getRef func(frameLen int) []int16, kernel Kernel) (out []byte, ready bool) {
	samples := make([]int16, len(chunk)/2)
	bytesToSamples(samples, chunk)
	a.buf = append(a.buf, samples...)

	if len(a.buf) < a.frameLen {
		return nil, false
	}

	frame := append([]int16(nil), a.buf[:a.frameLen]...)
	a.buf = append([]int16(nil), a.buf[a.frameLen:]...)

	ref := getRef(a.frameLen)
	processed, err := kernel(frame, ref)
	if err != nil {
		return nil, false
	}

	outBytes := make([]byte, len(processed)*2)
	samplesToBytes(outBytes, processed)
	return outBytes, true
}

func bytesToSamples(dst []int16, src []byte) {
	n := len(src) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
}

func samplesToBytes(dst []byte, src []int16) {
	n := len(dst) / 2
	if n > len(src) {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(src[i]))
	}
}
