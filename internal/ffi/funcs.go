package ffi

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Bindings to the re_* exports. Populated by registerFunctions once the
// library is open; nil until then.
var (
	reVersion           func() uintptr
	reCreate            func() uintptr
	reDestroy           func(handle uintptr)
	reConnect           func(handle, url, token uintptr, role, autoSubscribe int32) int32
	reDisconnect        func(handle uintptr) int32
	reSetStateCallback  func(handle, fn, ctx uintptr)
	reSetDataCallback   func(handle, fn, ctx uintptr)
	reSetAudioCallback  func(handle, fn, ctx uintptr)
	reSendData          func(handle, payload uintptr, length, reliable, ordered int32, label uintptr) int32
	reCreateAudioTrack  func(handle, name uintptr, sampleRate, channels int32) uint64
	reDestroyAudioTrack func(handle uintptr, track uint64)
	reWritePCM          func(handle uintptr, track uint64, samples uintptr, frames int32) int32
	reSetOutputFormat   func(handle uintptr, sampleRate, channels int32) int32
	reRefreshToken      func(handle, token uintptr) int32
	reSetRole           func(handle uintptr, role, autoSubscribe int32) int32
)

func registerFunctions() error {
	bindings := []struct {
		name string
		fptr any
	}{
		{"re_version", &reVersion},
		{"re_create", &reCreate},
		{"re_destroy", &reDestroy},
		{"re_connect", &reConnect},
		{"re_disconnect", &reDisconnect},
		{"re_set_state_callback", &reSetStateCallback},
		{"re_set_data_callback", &reSetDataCallback},
		{"re_set_audio_callback", &reSetAudioCallback},
		{"re_send_data", &reSendData},
		{"re_create_audio_track", &reCreateAudioTrack},
		{"re_destroy_audio_track", &reDestroyAudioTrack},
		{"re_write_pcm", &reWritePCM},
		{"re_set_output_format", &reSetOutputFormat},
		{"re_refresh_token", &reRefreshToken},
		{"re_set_role", &reSetRole},
	}
	for _, b := range bindings {
		sym, err := dlsymLibrary(libHandle, b.name)
		if err != nil || sym == 0 {
			return fmt.Errorf("%w: %s", ErrSymbolNotFound, b.name)
		}
		purego.RegisterFunc(b.fptr, sym)
	}
	return nil
}
