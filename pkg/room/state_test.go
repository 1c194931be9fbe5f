package room

import (
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateDisconnected, "disconnected"},
		{StateFailed, "failed"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRoleAutoSubscribe(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleAuto, true},
		{RolePublisher, false},
		{RoleSubscriber, true},
		{RoleBoth, true},
	}
	for _, tt := range tests {
		if got := tt.role.autoSubscribe(); got != tt.want {
			t.Errorf("%v.autoSubscribe() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestLogLevelMapsToZerolog(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  zerolog.Level
	}{
		{LogError, zerolog.ErrorLevel},
		{LogWarn, zerolog.WarnLevel},
		{LogInfo, zerolog.InfoLevel},
		{LogDebug, zerolog.DebugLevel},
		{LogTrace, zerolog.TraceLevel},
	}
	for _, tt := range tests {
		if got := tt.level.zerologLevel(); got != tt.want {
			t.Errorf("%v.zerologLevel() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSetLogLevelAppliesToLogger(t *testing.T) {
	s := &Session{log: zerolog.New(io.Discard)}

	s.SetLogLevel(LogWarn)
	if got := s.logger().GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("logger level = %v, want %v", got, zerolog.WarnLevel)
	}

	// Event chaining off the returned logger must work directly.
	s.logger().Debug().Str("k", "v").Msg("suppressed")

	s.SetLogLevel(LogTrace)
	if got := s.logger().GetLevel(); got != zerolog.TraceLevel {
		t.Errorf("logger level = %v, want %v", got, zerolog.TraceLevel)
	}
}

func TestLoggerConcurrentWithSetLogLevel(t *testing.T) {
	s := &Session{log: zerolog.New(io.Discard)}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.logger().Info().Int("i", i).Msg("event")
			}
		}()
	}
	for i := 0; i < 200; i++ {
		s.SetLogLevel(LogDebug)
		s.SetLogLevel(LogWarn)
	}
	wg.Wait()
}
