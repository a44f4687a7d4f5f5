package asyncjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

func TestEveryKindHasRequestAndResponse(t *testing.T) {
	for _, k := range Kinds() {
		mkReq, ok := newRequest[k]
		require.True(t, ok, "no request for %s", k)
		assert.Equal(t, k, mkReq().Kind())

		mkResp, ok := newResponse[k]
		require.True(t, ok, "no response for %s", k)
		assert.Equal(t, k, mkResp().Kind())
	}
	assert.Len(t, newRequest, len(Kinds()))
}

func TestRequestEnvelope(t *testing.T) {
	lo, hi := int64(10), int64(20)
	req := &DeltaRangesRequest{Type: migration.Node, Salt: "s", MinID: &lo, MaxID: &hi}
	data, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"DELTA_RANGES","body":{"type":"NODE","salt":"s","minId":10,"maxId":20}}`, string(data))

	back, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req, back)
}

func TestDecodeRequestErrors(t *testing.T) {
	for _, in := range []string{`not json`, `{"kind":"NOPE","body":{}}`, `{"kind":"TYPE_COUNT","body":"x"}`} {
		_, err := DecodeRequest([]byte(in))
		assert.ErrorIs(t, err, migration.ErrInvalidArgument, in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"type count", &TypeCountRequest{Type: migration.Team}, true},
		{"counts all", &TypeCountsRequest{}, true},
		{"counts unknown", &TypeCountsRequest{Types: []migration.Type{"X"}}, false},
		{"range ok", &RangeChecksumRequest{Type: migration.Node, MinID: 1, MaxID: 1}, true},
		{"range inverted", &RangeChecksumRequest{Type: migration.Node, MinID: 2, MaxID: 1}, false},
		{"batch empty", &BatchChecksumRequest{Type: migration.Node}, false},
		{"batch inverted", &BatchChecksumRequest{Type: migration.Node, Ranges: []migration.IdRange{{MinID: 3, MaxID: 1}}}, false},
		{"rows", &RowMetadataRequest{Type: migration.ACL, MinID: 0, MaxID: 9}, true},
		{"delta open", &DeltaRangesRequest{Type: migration.Node}, true},
		{"backup no ids", &BackupTypeRequest{Type: migration.Node}, false},
		{"restore no name", &RestoreTypeRequest{Type: migration.Node}, false},
		{"restore", &RestoreTypeRequest{Type: migration.Node, Submission: migration.RestoreSubmission{ArtifactFileName: "a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
