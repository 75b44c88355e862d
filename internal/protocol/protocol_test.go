package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Inbound
		wantErr bool
	}{
		{
			name:  "task frame",
			input: `{"type":"task","taskId":"abc123","prompt":"Say hi"}`,
			want:  Inbound{Type: TypeTask, TaskID: "abc123", Prompt: "Say hi"},
		},
		{
			name:  "connected frame",
			input: `{"type":"connected","workerId":"worker-1"}`,
			want:  Inbound{Type: TypeConnected, WorkerID: "worker-1"},
		},
		{
			name:  "pong frame",
			input: `{"type":"pong"}`,
			want:  Inbound{Type: TypePong},
		},
		{
			name:  "unknown type decodes",
			input: `{"type":"shutdown","extra":[1,2]}`,
			want:  Inbound{Type: "shutdown"},
		},
		{name: "empty payload", input: ``, wantErr: true},
		{name: "truncated json", input: `{"type":"task"`, wantErr: true},
		{name: "not an object", input: `[1,2,3]`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "numeric type", input: `{"type":5}`, wantErr: true},
		{name: "missing type", input: `{"taskId":"abc"}`, wantErr: true},
		{name: "task without id", input: `{"type":"task","prompt":"hi"}`, wantErr: true},
		{name: "prompt of wrong type", input: `{"type":"task","taskId":"a","prompt":{}}`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedFrame))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKnown(t *testing.T) {
	t.Parallel()

	assert.True(t, Inbound{Type: TypeTask}.Known())
	assert.True(t, Inbound{Type: TypePong}.Known())
	assert.True(t, Inbound{Type: TypeConnected}.Known())
	assert.False(t, Inbound{Type: TypeResult}.Known())
	assert.False(t, Inbound{Type: "shutdown"}.Known())
}

func TestEncodeResult(t *testing.T) {
	t.Parallel()

	data, err := Encode(Success("abc123", "Hi there"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"result","taskId":"abc123","response":"Hi there","error":null}`, string(data))

	data, err = Encode(Failure("abc123", "Response timeout"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"result","taskId":"abc123","response":null,"error":"Response timeout"}`, string(data))
}

func TestEncodeRejectsInvalidResults(t *testing.T) {
	t.Parallel()

	response := "x"
	message := "y"
	_, err := Encode(Result{Type: TypeResult, TaskID: "a", Response: &response, Error: &message})
	require.Error(t, err)

	_, err = Encode(Result{Type: TypeResult, TaskID: "a"})
	require.Error(t, err)

	_, err = Encode(Success(" ", "x"))
	require.Error(t, err)
}

func TestEncodePing(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewPing())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func FuzzDecode(f *testing.F) {
	for _, seed := range []string{
		`{"type":"task","taskId":"abc123","prompt":"Say hi"}`,
		`{"type":"pong"}`,
		`{"type":`,
		`[]`,
		"\x00\xff",
	} {
		f.Add([]byte(seed))
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := Decode(data)
		if err == nil && frame.Type == "" {
			t.Fatalf("decoded frame without type from %q", data)
		}
	})
}
