// Package ffi binds the native room engine shared library
// (libroomengine) over purego. Ownership of the library is explicit:
// callers load it with Load and release it with Close; nothing here loads
// it behind the caller's back.
package ffi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrLibraryNotLoaded is returned by every binding when Load has not
	// succeeded yet.
	ErrLibraryNotLoaded = errors.New("libroomengine not loaded")

	// ErrLibraryNotFound is returned when no candidate path holds the
	// library.
	ErrLibraryNotFound = errors.New("libroomengine not found")

	// ErrSymbolNotFound is returned when the library lacks an expected
	// export, usually an ABI skew.
	ErrSymbolNotFound = errors.New("symbol not found in libroomengine")

	// ErrVersionMismatch is returned by CheckVersion on ABI skew.
	ErrVersionMismatch = errors.New("libroomengine version mismatch")

	// Sentinels for native result codes. They support errors.Is; the
	// engine adapter maps them onto its own error surface.
	ErrInvalidParam = errors.New("invalid parameter")
	ErrBadState     = errors.New("wrong connection state")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrTimeout      = errors.New("operation timed out")
	ErrSendRejected = errors.New("send rejected")
	ErrOversize     = errors.New("payload too large")
	ErrNoChannel    = errors.New("no such channel")
	ErrTrackFailed  = errors.New("track operation failed")
	ErrRingFull     = errors.New("engine buffer full")
	ErrNotSupported = errors.New("not supported")
	ErrInternal     = errors.New("internal engine error")
)

// Result codes returned by re_* calls (int32 to match C int).
const (
	ReOK             int32 = 0
	ReErrInvalid     int32 = -1
	ReErrState       int32 = -2
	ReErrAuth        int32 = -3
	ReErrTimeout     int32 = -4
	ReErrSend        int32 = -5
	ReErrOversize    int32 = -6
	ReErrNoChannel   int32 = -7
	ReErrTrack       int32 = -8
	ReErrRing        int32 = -9
	ReErrUnsupported int32 = -10
	ReErrInternal    int32 = -11
)

// ResultError converts a native result code into a sentinel error, nil for
// ReOK.
func ResultError(code int32) error {
	switch code {
	case ReOK:
		return nil
	case ReErrInvalid:
		return ErrInvalidParam
	case ReErrState:
		return ErrBadState
	case ReErrAuth:
		return ErrAuthFailed
	case ReErrTimeout:
		return ErrTimeout
	case ReErrSend:
		return ErrSendRejected
	case ReErrOversize:
		return ErrOversize
	case ReErrNoChannel:
		return ErrNoChannel
	case ReErrTrack:
		return ErrTrackFailed
	case ReErrRing:
		return ErrRingFull
	case ReErrUnsupported:
		return ErrNotSupported
	case ReErrInternal:
		return ErrInternal
	default:
		return fmt.Errorf("unknown engine error: %d", code)
	}
}

var (
	libHandle uintptr
	libLoaded atomic.Bool
	libMu     sync.Mutex
)

// Load resolves and opens the native engine library. It searches, in
// order: the ROOMENGINE_PATH environment variable, lib/{os}_{arch}/ next
// to the executable and the working directory, and finally the system
// loader paths. Load is idempotent.
func Load() error {
	libMu.Lock()
	defer libMu.Unlock()

	if libLoaded.Load() {
		return nil
	}

	libPath, found := findLocalLibrary()
	if !found {
		// Let the system loader try the bare name.
		libPath = libraryName()
	}

	handle, err := dlopenLibrary(libPath)
	if err != nil {
		if !found {
			return fmt.Errorf("%w: %v", ErrLibraryNotFound, err)
		}
		return fmt.Errorf("load %s: %w", libPath, err)
	}

	libHandle = handle
	if err := registerFunctions(); err != nil {
		_ = dlcloseLibrary(handle)
		libHandle = 0
		return err
	}

	libLoaded.Store(true)
	return nil
}

// MustLoad loads the library and panics on failure.
func MustLoad() {
	if err := Load(); err != nil {
		panic(fmt.Sprintf("roomengine: %v", err))
	}
}

// IsLoaded reports whether Load has succeeded.
func IsLoaded() bool {
	return libLoaded.Load()
}

// Close unloads the library. All engine handles must be destroyed first.
func Close() error {
	libMu.Lock()
	defer libMu.Unlock()

	if !libLoaded.Load() {
		return nil
	}
	if err := dlcloseLibrary(libHandle); err != nil {
		return err
	}
	libLoaded.Store(false)
	libHandle = 0
	return nil
}

// ExpectedVersionPrefix is the engine ABI generation this binding targets.
const ExpectedVersionPrefix = "1."

// Version returns the native engine version string, empty when the
// library is not loaded.
func Version() string {
	if !libLoaded.Load() || reVersion == nil {
		return ""
	}
	ptr := reVersion()
	if ptr == 0 {
		return ""
	}
	return GoString(unsafe.Pointer(ptr))
}

// CheckVersion verifies the loaded library's ABI generation.
func CheckVersion() error {
	if !libLoaded.Load() {
		return ErrLibraryNotLoaded
	}
	v := Version()
	if !strings.HasPrefix(v, ExpectedVersionPrefix) {
		return fmt.Errorf("%w: engine version %q, want %s*", ErrVersionMismatch, v, ExpectedVersionPrefix)
	}
	return nil
}

func findLocalLibrary() (string, bool) {
	if path := os.Getenv("ROOMENGINE_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	libName := libraryName()
	platformDir := fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH)

	var searchPaths []string
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		searchPaths = append(searchPaths,
			filepath.Join(execDir, libName),
			filepath.Join(execDir, "lib", platformDir, libName),
		)
	}
	if wd, err := os.Getwd(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(wd, "lib", platformDir, libName),
			filepath.Join(wd, "..", "lib", platformDir, libName),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath, true
		}
	}
	return "", false
}

func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libroomengine.dylib"
	case "windows":
		return "roomengine.dll"
	default:
		return "libroomengine.so"
	}
}
