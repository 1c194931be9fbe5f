package ffi

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog/log"
)

// Connection events delivered through the state callback.
const (
	EventLinkDown int32 = 1
	EventClosed   int32 = 2
)

// Sanity bounds for C-provided sizes. Anything beyond these is a corrupt
// or hostile frame and is dropped before allocation.
const (
	maxInboundPayload = 1 << 20
	maxInboundFrames  = 1 << 20
	maxInboundChans   = 8
)

// StateCallback receives connection events for one engine handle.
type StateCallback func(event, reason int, message string)

// DataCallback receives one inbound data payload. The payload is a copy;
// the C buffer is not retained.
type DataCallback func(payload []byte, reliable, ordered bool, label, participant string)

// AudioCallback receives one inbound PCM frame, interleaved by channel.
type AudioCallback func(samples []int16, framesPerChannel, channels, sampleRate int, participant, track string)

// Callback registries, keyed by the engine handle passed as ctx. The
// native side holds one thunk per kind for the whole process; the handle
// routes back to the owning engine.
var (
	stateMu  sync.RWMutex
	stateCbs = make(map[uintptr]StateCallback)

	dataMu  sync.RWMutex
	dataCbs = make(map[uintptr]DataCallback)

	audioMu  sync.RWMutex
	audioCbs = make(map[uintptr]AudioCallback)

	stateThunk uintptr
	dataThunk  uintptr
	audioThunk uintptr

	thunksReady bool
	thunkMu     sync.Mutex
)

// safeCallback keeps a user panic from unwinding through the C frames
// below us, which would be undefined behavior.
func safeCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("roomengine: panic recovered in callback")
		}
	}()
	fn()
}

//go:nocheckptr
func initThunks() {
	thunkMu.Lock()
	defer thunkMu.Unlock()
	if thunksReady {
		return
	}

	// void(ctx, event, reason, message)
	stateThunk = purego.NewCallback(func(ctx uintptr, event, reason int32, message uintptr) {
		dispatchState(ctx, event, reason, message)
	})

	// void(ctx, bytes, len, reliable, ordered, label, participant)
	dataThunk = purego.NewCallback(func(ctx, bytes uintptr, length, reliable, ordered int32, label, participant uintptr) {
		dispatchData(ctx, bytes, length, reliable, ordered, label, participant)
	})

	// void(ctx, samples, frames, channels, sample_rate, participant, track)
	audioThunk = purego.NewCallback(func(ctx, samples uintptr, frames, channels, sampleRate int32, participant, track uintptr) {
		dispatchAudio(ctx, samples, frames, channels, sampleRate, participant, track)
	})

	thunksReady = true
}

func dispatchState(ctx uintptr, event, reason int32, message uintptr) {
	stateMu.RLock()
	cb := stateCbs[ctx]
	stateMu.RUnlock()
	if cb == nil {
		return
	}
	msg := GoString(unsafe.Pointer(message))
	safeCallback(func() { cb(int(event), int(reason), msg) })
}

func dispatchData(ctx, bytes uintptr, length, reliable, ordered int32, label, participant uintptr) {
	dataMu.RLock()
	cb := dataCbs[ctx]
	dataMu.RUnlock()
	if cb == nil {
		return
	}
	if length <= 0 || length > maxInboundPayload {
		return
	}

	payload := make([]byte, length)
	if bytes != 0 {
		copy(payload, unsafe.Slice((*byte)(unsafe.Pointer(bytes)), length))
	}
	lbl := GoString(unsafe.Pointer(label))
	part := GoString(unsafe.Pointer(participant))
	safeCallback(func() { cb(payload, reliable != 0, ordered != 0, lbl, part) })
}

func dispatchAudio(ctx, samples uintptr, frames, channels, sampleRate int32, participant, track uintptr) {
	audioMu.RLock()
	cb := audioCbs[ctx]
	audioMu.RUnlock()
	if cb == nil {
		return
	}
	if frames <= 0 || frames > maxInboundFrames || channels <= 0 || channels > maxInboundChans {
		return
	}

	total := int(frames) * int(channels)
	pcm := make([]int16, total)
	if samples != 0 {
		copy(pcm, unsafe.Slice((*int16)(unsafe.Pointer(samples)), total))
	}
	part := GoString(unsafe.Pointer(participant))
	trk := GoString(unsafe.Pointer(track))
	safeCallback(func() { cb(pcm, int(frames), int(channels), int(sampleRate), part, trk) })
}

// RegisterStateCallback routes state events for handle to cb.
func RegisterStateCallback(handle uintptr, cb StateCallback) {
	initThunks()
	stateMu.Lock()
	stateCbs[handle] = cb
	stateMu.Unlock()
}

// RegisterDataCallback routes inbound data for handle to cb.
func RegisterDataCallback(handle uintptr, cb DataCallback) {
	initThunks()
	dataMu.Lock()
	dataCbs[handle] = cb
	dataMu.Unlock()
}

// RegisterAudioCallback routes inbound audio for handle to cb.
func RegisterAudioCallback(handle uintptr, cb AudioCallback) {
	initThunks()
	audioMu.Lock()
	audioCbs[handle] = cb
	audioMu.Unlock()
}

// UnregisterCallbacks removes every callback for handle. Must run before
// the handle is destroyed so a late native event cannot race the teardown.
func UnregisterCallbacks(handle uintptr) {
	stateMu.Lock()
	delete(stateCbs, handle)
	stateMu.Unlock()

	dataMu.Lock()
	delete(dataCbs, handle)
	dataMu.Unlock()

	audioMu.Lock()
	delete(audioCbs, handle)
	audioMu.Unlock()
}

// StateThunk returns the native thunk to pass to re_set_state_callback.
func StateThunk() uintptr {
	initThunks()
	return stateThunk
}

// DataThunk returns the native thunk to pass to re_set_data_callback.
func DataThunk() uintptr {
	initThunks()
	return dataThunk
}

// AudioThunk returns the native thunk to pass to re_set_audio_callback.
func AudioThunk() uintptr {
	initThunks()
	return audioThunk
}
