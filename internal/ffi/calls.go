package ffi

import "runtime"

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Create allocates a native engine instance. Returns 0 when the library
// is not loaded or allocation fails.
func Create() uintptr {
	if !libLoaded.Load() || reCreate == nil {
		return 0
	}
	return reCreate()
}

// Destroy frees a native engine instance. UnregisterCallbacks must run
// first.
func Destroy(handle uintptr) {
	if !libLoaded.Load() || reDestroy == nil {
		return
	}
	reDestroy(handle)
}

// InstallCallbacks points the native engine's three event hooks at the
// process-wide thunks, with handle as the routing context.
func InstallCallbacks(handle uintptr) error {
	if !libLoaded.Load() || reSetStateCallback == nil {
		return ErrLibraryNotLoaded
	}
	reSetStateCallback(handle, StateThunk(), handle)
	reSetDataCallback(handle, DataThunk(), handle)
	reSetAudioCallback(handle, AudioThunk(), handle)
	return nil
}

// Connect performs the blocking native handshake.
func Connect(handle uintptr, url, token string, role int, autoSubscribe bool) error {
	if !libLoaded.Load() || reConnect == nil {
		return ErrLibraryNotLoaded
	}
	urlC := CString(url)
	tokenC := CString(token)
	result := reConnect(handle, ByteSlicePtr(urlC), ByteSlicePtr(tokenC), int32(role), b2i(autoSubscribe))
	runtime.KeepAlive(urlC)
	runtime.KeepAlive(tokenC)
	return ResultError(result)
}

// Disconnect tears the native connection down. Idempotent on the native
// side.
func Disconnect(handle uintptr) error {
	if !libLoaded.Load() || reDisconnect == nil {
		return ErrLibraryNotLoaded
	}
	return ResultError(reDisconnect(handle))
}

// SendData hands one payload to the native transport.
func SendData(handle uintptr, label string, reliable, ordered bool, payload []byte) error {
	if !libLoaded.Load() || reSendData == nil {
		return ErrLibraryNotLoaded
	}
	labelC := CString(label)
	result := reSendData(handle, ByteSlicePtr(payload), int32(len(payload)), b2i(reliable), b2i(ordered), ByteSlicePtr(labelC))
	runtime.KeepAlive(payload)
	runtime.KeepAlive(labelC)
	return ResultError(result)
}

// CreateAudioTrack allocates a native outbound track and returns its id.
func CreateAudioTrack(handle uintptr, name string, sampleRate, channels int) (uint64, error) {
	if !libLoaded.Load() || reCreateAudioTrack == nil {
		return 0, ErrLibraryNotLoaded
	}
	nameC := CString(name)
	track := reCreateAudioTrack(handle, ByteSlicePtr(nameC), int32(sampleRate), int32(channels))
	runtime.KeepAlive(nameC)
	if track == 0 {
		return 0, ErrTrackFailed
	}
	return track, nil
}

// DestroyAudioTrack frees a native track.
func DestroyAudioTrack(handle uintptr, track uint64) {
	if !libLoaded.Load() || reDestroyAudioTrack == nil {
		return
	}
	reDestroyAudioTrack(handle, track)
}

// WritePCM pushes one batch of interleaved samples into a native track.
func WritePCM(handle uintptr, track uint64, samples []int16, framesPerChannel int) error {
	if !libLoaded.Load() || reWritePCM == nil {
		return ErrLibraryNotLoaded
	}
	result := reWritePCM(handle, track, Int16SlicePtr(samples), int32(framesPerChannel))
	runtime.KeepAlive(samples)
	return ResultError(result)
}

// SetOutputFormat asks the native engine to deliver inbound audio in the
// given format.
func SetOutputFormat(handle uintptr, sampleRate, channels int) error {
	if !libLoaded.Load() || reSetOutputFormat == nil {
		return ErrLibraryNotLoaded
	}
	return ResultError(reSetOutputFormat(handle, int32(sampleRate), int32(channels)))
}

// RefreshToken replaces the credential on a live native connection.
func RefreshToken(handle uintptr, token string) error {
	if !libLoaded.Load() || reRefreshToken == nil {
		return ErrLibraryNotLoaded
	}
	tokenC := CString(token)
	result := reRefreshToken(handle, ByteSlicePtr(tokenC))
	runtime.KeepAlive(tokenC)
	return ResultError(result)
}

// SetRole changes the publishing role of a live native connection.
func SetRole(handle uintptr, role int, autoSubscribe bool) error {
	if !libLoaded.Load() || reSetRole == nil {
		return ErrLibraryNotLoaded
	}
	return ResultError(reSetRole(handle, int32(role), b2i(autoSubscribe)))
}
