package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairedge/fairedge/pkg/types"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  any
	}{
		{name: "accepted", msg: NewAccepted("Start", 1000)},
		{name: "refused", msg: NewRefused("No space in job queue")},
		{name: "started", msg: NewStarted(1001, types.PortMap{"80": 24001, "22": 24002})},
		{name: "terminated", msg: NewTerminated(1002, types.ReasonIdle)},
		{name: "request", msg: Request{Request: RequestNewJob, Job: &JobSpec{Priority: 2, Ports: "80,443", CommsPort: 8889}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tt.msg))

			payload, err := ReadMessage(&buf)
			require.NoError(t, err)

			expected, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, string(expected), string(payload))
		})
	}
}

func TestWriteMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewRefused("nope")))

	raw := buf.Bytes()
	require.Greater(t, len(raw), 4)
	assert.Equal(t, uint32(len(raw)-4), binary.BigEndian.Uint32(raw[:4]))
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
	buf.Write(hdr[:])

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "valid new job",
			payload: `{"Request":"New Job","Job":{"Priority":2,"Ports":"80","CommsPort":8889}}`,
		},
		{
			name:    "valid terminate",
			payload: `{"Request":"Terminate","JobID":1000}`,
		},
		{
			name:    "unknown request tag",
			payload: `{"Request":"Ping"}`,
			wantErr: true,
		},
		{
			name:    "new job without job body",
			payload: `{"Request":"New Job"}`,
			wantErr: true,
		},
		{
			name:    "priority out of range",
			payload: `{"Request":"New Job","Job":{"Priority":4,"Ports":"","CommsPort":8889}}`,
			wantErr: true,
		},
		{
			name:    "comms port out of range",
			payload: `{"Request":"New Job","Job":{"Priority":1,"Ports":"","CommsPort":70000}}`,
			wantErr: true,
		},
		{
			name:    "terminate without job id",
			payload: `{"Request":"Terminate"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `garbage`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, req.Request)
		})
	}
}
