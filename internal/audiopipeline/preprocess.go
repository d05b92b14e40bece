package audiopipeline

// preprocess applies the mic-gain/DC-removal chain described in the audio
// pipeline spec: a leaky DC estimator tracks the signal's running offset,
// which is subtracted before linear gain is applied and the result is
// saturated back into int16 range. When gain is unity and DC-removal is
// disabled, samples pass through untouched.
func (p *Pipeline) preprocess(pcm []byte) []byte {
	gain := p.micGainLinear()
	if gain == 1.0 && !p.cfg.DCRemoval {
		return pcm
	}

	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		v := s

		if p.cfg.DCRemoval {
			dc := p.dc.Load()
			dc = (dc*255)/256 + int64(s)
			p.dc.Store(dc)
			v = int16(int64(s) - dc/256)
		}

		scaled := float64(v) * gain
		v = saturate16(scaled)

		out[i] = byte(uint16(v))
		out[i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func saturate16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
