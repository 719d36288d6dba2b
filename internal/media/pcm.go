package media

import (
	"encoding/binary"
	"time"
)

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// Silence returns one frame of silent audio lasting d at the given rate.
func Silence(sampleRate, channels int, d time.Duration) AudioFrame {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return AudioFrame{
		Samples:    make([]int16, n*channels),
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// Blank returns a black yuv420p picture.
func Blank(width, height int) VideoFrame {
	luma := width * height
	pix := make([]byte, luma*3/2)
	for i := 0; i < luma; i++ {
		pix[i] = 16
	}
	for i := luma; i < len(pix); i++ {
		pix[i] = 128
	}
	return VideoFrame{Pixels: pix, Width: width, Height: height}
}

// VideoFrameBytes is the size of one yuv420p picture.
func VideoFrameBytes(width, height int) int {
	return width * height * 3 / 2
}
