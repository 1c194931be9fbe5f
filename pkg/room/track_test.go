package room_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thesyncim/roombridge/internal/enginetest"
	"github.com/thesyncim/roombridge/pkg/room"
)

func TestCreateAudioTrackValidation(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)
	connect(t, s)

	tests := []struct {
		name      string
		trackName string
		rate      int
		channels  int
		wantCode  room.Code
	}{
		{"empty name", "", 48000, 1, room.CodeInvalidTrackParams},
		{"zero rate", "a", 0, 1, room.CodeInvalidTrackParams},
		{"negative rate", "a", -8000, 1, room.CodeInvalidTrackParams},
		{"zero channels", "a", 48000, 0, room.CodeInvalidTrackParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateAudioTrack(tt.trackName, tt.rate, tt.channels, 200)
			if room.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %d, want %d", room.CodeOf(err), tt.wantCode)
			}
		})
	}
}

func TestCreateAudioTrackRequiresConnection(t *testing.T) {
	s := newSession(t, enginetest.NewFake())

	_, err := s.CreateAudioTrack("mic", 48000, 1, 200)
	if !errors.Is(err, room.ErrNotConnected) {
		t.Fatalf("CreateAudioTrack while disconnected: %v, want ErrNotConnected", err)
	}
}

func TestCreateAudioTrackRejectsDuplicateName(t *testing.T) {
	s := newSession(t, enginetest.NewFake())
	connect(t, s)

	if _, err := s.CreateAudioTrack("mic", 48000, 1, 200); err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	_, err := s.CreateAudioTrack("mic", 16000, 2, 200)
	if !errors.Is(err, room.ErrDuplicateTrack) {
		t.Fatalf("duplicate name: %v, want ErrDuplicateTrack", err)
	}
	if room.CodeOf(err) != room.CodeDuplicateTrack {
		t.Errorf("code = %d, want %d", room.CodeOf(err), room.CodeDuplicateTrack)
	}
}

func TestCreateAudioTrackEngineFailure(t *testing.T) {
	fake := enginetest.NewFake()
	fake.TrackErr = errors.New("no more encoders")
	s := newSession(t, fake)
	connect(t, s)

	_, err := s.CreateAudioTrack("mic", 48000, 1, 200)
	if room.CodeOf(err) != room.CodeTrackStartFailed {
		t.Fatalf("code = %d, want %d", room.CodeOf(err), room.CodeTrackStartFailed)
	}

	// The name is free again once the engine call failed.
	fake.TrackErr = nil
	if _, err := s.CreateAudioTrack("mic", 48000, 1, 200); err != nil {
		t.Fatalf("CreateAudioTrack after failure: %v", err)
	}
}

func TestVoiceTrackPublishLifecycle(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)

	states := make(chan room.ConnectionState, 8)
	s.SetConnectionStateCallback(func(st room.ConnectionState, reason int, msg string) {
		states <- st
	})

	if err := s.ConnectAsync(testURL, testToken); err != nil {
		t.Fatalf("ConnectAsync: %v", err)
	}
	for _, want := range []room.ConnectionState{room.StateConnecting, room.StateConnected} {
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("state = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	track, err := s.CreateAudioTrack("voice", 48000, 1, 200)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	if got := track.SampleRate(); got != 48000 {
		t.Errorf("SampleRate() = %d, want 48000", got)
	}

	if err := track.PublishPCM(make([]int16, 480), 480); err != nil {
		t.Fatalf("PublishPCM: %v", err)
	}
	stats := track.Stats()
	if stats.RingQueuedFrames <= 0 {
		t.Errorf("RingQueuedFrames = %d, want > 0 right after publish", stats.RingQueuedFrames)
	}
	if stats.Underruns != 0 {
		t.Errorf("Underruns = %d, want 0", stats.Underruns)
	}
	if stats.RingCapacityFrames != 9600 {
		t.Errorf("RingCapacityFrames = %d, want 9600 for 200 ms at 48 kHz", stats.RingCapacityFrames)
	}

	if err := track.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err = track.PublishPCM(make([]int16, 480), 480)
	if !errors.Is(err, room.ErrTrackDestroyed) {
		t.Fatalf("PublishPCM on closed track: %v, want ErrTrackDestroyed", err)
	}

	// The name can be reused after the track is gone.
	if _, err := s.CreateAudioTrack("voice", 48000, 1, 200); err != nil {
		t.Fatalf("CreateAudioTrack after close: %v", err)
	}
}

func TestPublishZeroFramesMutatesNothing(t *testing.T) {
	s := newSession(t, enginetest.NewFake())
	connect(t, s)

	track, err := s.CreateAudioTrack("mic", 16000, 1, 200)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	before := track.Stats()

	if err := track.PublishPCM(nil, 0); !errors.Is(err, room.ErrInvalidFrames) {
		t.Fatalf("PublishPCM zero frames: %v, want ErrInvalidFrames", err)
	}
	if after := track.Stats(); after != before {
		t.Errorf("stats changed on rejected publish: %+v -> %+v", before, after)
	}

	// Same contract on the session's implicit path, before any default
	// track exists.
	if err := s.PublishPCM(nil, 0, 1, 48000); !errors.Is(err, room.ErrInvalidFrames) {
		t.Fatalf("Session.PublishPCM zero frames: %v, want ErrInvalidFrames", err)
	}
	if got := s.AudioStats(); got != (room.AudioStats{}) {
		t.Errorf("AudioStats = %+v, want zero snapshot", got)
	}
}

func TestPublishSampleCountMustMatchFormat(t *testing.T) {
	s := newSession(t, enginetest.NewFake())
	connect(t, s)

	track, err := s.CreateAudioTrack("st", 48000, 2, 200)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	// 480 frames of stereo need 960 samples.
	err = track.PublishPCM(make([]int16, 480), 480)
	if !errors.Is(err, room.ErrInvalidFrames) {
		t.Fatalf("PublishPCM short buffer: %v, want ErrInvalidFrames", err)
	}
}

func TestPublishOverflowDropsTailAndReports(t *testing.T) {
	s := newSession(t, enginetest.NewFake())
	connect(t, s)

	// 100 ms at 8 kHz mono: the ring holds exactly 800 samples.
	track, err := s.CreateAudioTrack("tight", 8000, 1, 100)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}

	err = track.PublishPCM(make([]int16, 801), 801)
	if !errors.Is(err, room.ErrRingFull) {
		t.Fatalf("PublishPCM past capacity: %v, want ErrRingFull", err)
	}
	stats := track.Stats()
	if stats.Overruns == 0 {
		t.Error("Overruns = 0 after overflowing publish")
	}
	if stats.RingQueuedFrames > stats.RingCapacityFrames {
		t.Errorf("queued %d exceeds capacity %d", stats.RingQueuedFrames, stats.RingCapacityFrames)
	}
}

func TestBufferDepthIsClamped(t *testing.T) {
	s := newSession(t, enginetest.NewFake())
	connect(t, s)

	low, err := s.CreateAudioTrack("low", 1000, 1, 1)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	if got := low.Stats().RingCapacityFrames; got != 100 {
		t.Errorf("capacity = %d frames, want 100 (clamped to 100 ms)", got)
	}

	high, err := s.CreateAudioTrack("high", 1000, 1, 60000)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	if got := high.Stats().RingCapacityFrames; got != 5000 {
		t.Errorf("capacity = %d frames, want 5000 (clamped to 5000 ms)", got)
	}
}

func TestDefaultTrackFreezesFormatOnFirstPublish(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)
	connect(t, s)

	if err := s.PublishPCM(make([]int16, 480), 480, 1, 48000); err != nil {
		t.Fatalf("PublishPCM: %v", err)
	}

	engTracks := fake.Tracks()
	if len(engTracks) != 1 || engTracks[0].Name != room.DefaultTrackName {
		t.Fatalf("engine tracks = %+v, want one named %q", engTracks, room.DefaultTrackName)
	}
	if got := s.AudioStats().SampleRate; got != 48000 {
		t.Errorf("AudioStats().SampleRate = %d, want 48000", got)
	}

	// Same format publishes keep flowing; a different one is rejected.
	if err := s.PublishPCM(make([]int16, 480), 480, 1, 48000); err != nil {
		t.Fatalf("second PublishPCM: %v", err)
	}
	err := s.PublishPCM(make([]int16, 320), 160, 2, 16000)
	if !errors.Is(err, room.ErrFormatMismatch) {
		t.Fatalf("mismatched PublishPCM: %v, want ErrFormatMismatch", err)
	}
	if room.CodeOf(err) != room.CodeFormatMismatch {
		t.Errorf("code = %d, want %d", room.CodeOf(err), room.CodeFormatMismatch)
	}
}

func TestPacerDrainsRingToEngine(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)
	connect(t, s)

	track, err := s.CreateAudioTrack("drain", 8000, 1, 500)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	// Two 10 ms slices at 8 kHz mono.
	if err := track.PublishPCM(make([]int16, 160), 160); err != nil {
		t.Fatalf("PublishPCM: %v", err)
	}

	eng := fake.Tracks()[0]
	waitFor(t, 2*time.Second, "pacer to drain the ring", func() bool {
		return eng.Samples() == 160
	})
	if w := eng.Writes(); w != 2 {
		t.Errorf("engine writes = %d, want 2 slices", w)
	}

	stats := track.Stats()
	if stats.RingQueuedFrames != 0 {
		t.Errorf("RingQueuedFrames = %d after drain, want 0", stats.RingQueuedFrames)
	}
	if stats.Underruns != 0 {
		t.Errorf("Underruns = %d, want 0 for exact multiples", stats.Underruns)
	}
}

func TestTrackCloseIsIdempotentAndReleasesEngine(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)
	connect(t, s)

	track, err := s.CreateAudioTrack("mic", 48000, 1, 200)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	if err := track.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := track.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !fake.Tracks()[0].Closed() {
		t.Error("engine track not released")
	}
}

func TestDisconnectDestroysTracks(t *testing.T) {
	fake := enginetest.NewFake()
	s := newSession(t, fake)
	connect(t, s)

	track, err := s.CreateAudioTrack("mic", 48000, 1, 200)
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	if err := s.PublishPCM(make([]int16, 480), 480, 1, 48000); err != nil {
		t.Fatalf("PublishPCM: %v", err)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	err = track.PublishPCM(make([]int16, 480), 480)
	if !errors.Is(err, room.ErrTrackDestroyed) {
		t.Fatalf("PublishPCM after Disconnect: %v, want ErrTrackDestroyed", err)
	}
	for i, eng := range fake.Tracks() {
		if !eng.Closed() {
			t.Errorf("engine track %d not released on Disconnect", i)
		}
	}
}

func BenchmarkTrackPublishPCM(b *testing.B) {
	fake := enginetest.NewFake()
	s, err := room.NewSession(room.Options{Engine: fake})
	if err != nil {
		b.Fatalf("NewSession: %v", err)
	}
	defer s.Close()
	if err := s.Connect(context.Background(), testURL, testToken); err != nil {
		b.Fatalf("Connect: %v", err)
	}
	track, err := s.CreateAudioTrack("bench", 48000, 1, 5000)
	if err != nil {
		b.Fatalf("CreateAudioTrack: %v", err)
	}

	frame := make([]int16, 480)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = track.PublishPCM(frame, 480)
	}
}
