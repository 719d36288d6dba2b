package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// --- Constants ---

func TestConstants(t *testing.T) {
	// 48kHz * 20ms = 960 samples per channel
	if got := SampleRate * int(FrameDuration/time.Millisecond) / 1000; got != FrameSize {
		t.Errorf("FrameSize mismatch: want %d, got %d", got, FrameSize)
	}
	if FrameSamples != FrameSize*Channels {
		t.Errorf("FrameSamples = %d, want %d", FrameSamples, FrameSize*Channels)
	}
	if FrameBytes != FrameSamples*2 {
		t.Errorf("FrameBytes = %d, want %d", FrameBytes, FrameSamples*2)
	}
}

func TestTimeBaseDuration(t *testing.T) {
	tests := []struct {
		tb   TimeBase
		pts  int64
		want time.Duration
	}{
		{TimeBase{1, SampleRate}, 960, 20 * time.Millisecond},
		{TimeBase{1, VideoClockRate}, 3000, time.Second / 30},
		{TimeBase{1, 0}, 100, 0},
	}
	for _, tt := range tests {
		if got := tt.tb.Duration(tt.pts); got != tt.want {
			t.Errorf("%v.Duration(%d) = %v, want %v", tt.tb, tt.pts, got, tt.want)
		}
	}
}

func TestFrameKinds(t *testing.T) {
	var f Frame = AudioFrame{}
	if f.Kind() != KindAudio {
		t.Errorf("AudioFrame kind = %v", f.Kind())
	}
	f = VideoFrame{}
	if f.Kind() != KindVideo {
		t.Errorf("VideoFrame kind = %v", f.Kind())
	}
	if KindVideo.String() != "video" || KindAudio.String() != "audio" {
		t.Error("Kind.String mismatch")
	}
}

// --- PCM helpers ---

func TestSamplesToBytes(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 256}
	buf := SamplesToBytes(samples)
	if len(buf) != len(samples)*2 {
		t.Fatalf("SamplesToBytes length = %d, want %d", len(buf), len(samples)*2)
	}

	// 256 = 0x0100 -> bytes [0x00, 0x01]
	idx := 5 * 2
	if buf[idx] != 0x00 || buf[idx+1] != 0x01 {
		t.Errorf("Sample 256 encoded as [%02x, %02x], want [00, 01]", buf[idx], buf[idx+1])
	}
}

func TestBytesToSamplesOddTail(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 12345, -6789}
	buf := append(SamplesToBytes(original), 0xff)

	recovered := BytesToSamples(buf)
	if len(recovered) != len(original) {
		t.Fatalf("got %d samples, want %d", len(recovered), len(original))
	}
	for i, v := range original {
		if recovered[i] != v {
			t.Errorf("sample[%d]: got %d, want %d", i, recovered[i], v)
		}
	}
}

func TestSilence(t *testing.T) {
	f := Silence(SampleRate, Channels, FrameDuration)
	if len(f.Samples) != FrameSamples {
		t.Fatalf("silence has %d samples, want %d", len(f.Samples), FrameSamples)
	}
	for i, s := range f.Samples {
		if s != 0 {
			t.Fatalf("sample[%d] = %d, want 0", i, s)
		}
	}
	if f44 := Silence(44100, 1, FrameDuration); len(f44.Samples) != 882 {
		t.Errorf("44.1kHz mono silence = %d samples, want 882", len(f44.Samples))
	}
}

func TestBlank(t *testing.T) {
	f := Blank(4, 2)
	if len(f.Pixels) != VideoFrameBytes(4, 2) {
		t.Fatalf("blank size = %d, want %d", len(f.Pixels), VideoFrameBytes(4, 2))
	}
	for i := 0; i < 8; i++ {
		if f.Pixels[i] != 16 {
			t.Errorf("luma[%d] = %d, want 16", i, f.Pixels[i])
		}
	}
	for i := 8; i < len(f.Pixels); i++ {
		if f.Pixels[i] != 128 {
			t.Errorf("chroma[%d] = %d, want 128", i, f.Pixels[i])
		}
	}
}

// --- ffprobe parsing ---

func TestParseProbe(t *testing.T) {
	tests := []struct {
		out       string
		wantAudio int
		wantVideo bool
	}{
		{"video\naudio\naudio\n", 2, true},
		{"audio\n", 1, false},
		{"video,\n", 0, true},
		{"", 0, false},
		{"video\nsubtitle\naudio\n", 1, true},
	}
	for _, tt := range tests {
		inv := parseProbe(tt.out)
		if inv.audio != tt.wantAudio || inv.video != tt.wantVideo {
			t.Errorf("parseProbe(%q) = %+v, want audio=%d video=%v", tt.out, inv, tt.wantAudio, tt.wantVideo)
		}
	}
}

// --- stream decoding ---

func audioBuild(b []byte) Frame {
	return AudioFrame{Samples: BytesToSamples(b)}
}

func TestStreamReadsFramesThenEnds(t *testing.T) {
	data := SamplesToBytes([]int16{1, 2, 3, 4, 5, 6, 7})
	st := newStream(KindAudio, 4)
	go st.run(context.Background(), bytes.NewReader(data), 4, audioBuild, func() error { return nil })

	ctx := context.Background()
	for i, want := range [][]int16{{1, 2}, {3, 4}, {5, 6}} {
		f, err := st.next(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		got := f.(AudioFrame).Samples
		if got[0] != want[0] || got[1] != want[1] {
			t.Errorf("frame %d = %v, want %v", i, got, want)
		}
	}
	// trailing partial frame is dropped
	if _, err := st.next(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("after last frame err = %v, want ErrEndOfStream", err)
	}
	if _, err := st.next(ctx); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("repeat read err = %v, want ErrEndOfStream", err)
	}
}

func TestStreamDecoderExitIsDecodeError(t *testing.T) {
	st := newStream(KindVideo, 1)
	go st.run(context.Background(), bytes.NewReader(nil), 4, audioBuild, func() error {
		return errors.New("exit status 1: Invalid data found")
	})
	if _, err := st.next(context.Background()); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestStreamReadErrorIsDecodeError(t *testing.T) {
	st := newStream(KindAudio, 1)
	go st.run(context.Background(), failingReader{}, 4, audioBuild, nil)
	if _, err := st.next(context.Background()); !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestStreamCancelIsClosed(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	st := newStream(KindAudio, 1)
	done := make(chan struct{})
	go func() {
		st.run(ctx, pr, 4, audioBuild, func() error { pr.Close(); return nil })
		close(done)
	}()

	// fill the handoff, then block the decoder on a second frame
	pw.Write([]byte{1, 0, 2, 0})
	pw.Write([]byte{3, 0, 4, 0})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	// drain whatever was buffered, then the terminal error
	for {
		_, err := st.next(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				t.Errorf("terminal err = %v, want ErrClosed", err)
			}
			return
		}
	}
}

func TestStreamNextHonoursContext(t *testing.T) {
	st := newStream(KindAudio, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := st.next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestSourceNextAfterClose(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	src := &ffmpegSource{cancel: cancel, audio: newStream(KindAudio, 1)}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := src.Next(context.Background(), KindAudio); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSourceMissingKind(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &ffmpegSource{cancel: cancel, audio: newStream(KindAudio, 1)}
	if _, err := src.Next(context.Background(), KindVideo); !errors.Is(err, ErrNoStream) {
		t.Errorf("err = %v, want ErrNoStream", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	o := &FFmpegOpener{cfg: FFmpegConfig{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}}
	_, err := o.Open(context.Background(), "/nonexistent/song.mp4", Primary)
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}
