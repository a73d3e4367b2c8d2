package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/infrc/internal/transport"
)

func TestRequestCommonRoundTrip(t *testing.T) {
	b := &transport.Buffer{}
	AppendRequestCommon(b, RequestCommon{Opcode: OpEcho})
	b.AppendCopy([]byte("trailing payload"))

	hdr := ParseRequestCommon(b)
	require.NotNil(t, hdr)
	assert.Equal(t, OpEcho, hdr.Opcode)
}

func TestParseRequestCommonTooShort(t *testing.T) {
	b := &transport.Buffer{}
	b.AppendCopy([]byte{0x01, 0x02, 0x03})
	assert.Nil(t, ParseRequestCommon(b))

	assert.Nil(t, ParseRequestCommon(&transport.Buffer{}))
}

func TestParseRequestCommonAcrossChunks(t *testing.T) {
	b := &transport.Buffer{}
	b.AppendCopy([]byte{0x02})
	b.AppendCopy([]byte{0x00, 0x00})
	b.AppendCopy([]byte{0x00, 0xff})

	hdr := ParseRequestCommon(b)
	require.NotNil(t, hdr)
	assert.Equal(t, OpEcho, hdr.Opcode)
}

func TestResponseCommonRoundTrip(t *testing.T) {
	b := &transport.Buffer{}
	AppendResponseCommon(b, StatusUnimplementedRequest)

	hdr, err := ParseResponseCommon(b)
	require.NoError(t, err)
	assert.Equal(t, StatusUnimplementedRequest, hdr.Status)
}

func TestParseResponseCommonTooShort(t *testing.T) {
	b := &transport.Buffer{}
	b.AppendCopy([]byte{1, 2})
	_, err := ParseResponseCommon(b)
	assert.Error(t, err)
}

func TestPrepareErrorResponseResetsReply(t *testing.T) {
	b := &transport.Buffer{}
	b.AppendCopy([]byte("stale partial reply"))

	PrepareErrorResponse(b, StatusMessageTooShort)
	assert.Equal(t, uint32(ResponseCommonSize), b.Len())
	hdr, err := ParseResponseCommon(b)
	require.NoError(t, err)
	assert.Equal(t, StatusMessageTooShort, hdr.Status)
}

func TestOpcodeAndStatusStrings(t *testing.T) {
	assert.Equal(t, "PING", OpPing.String())
	assert.Equal(t, "ECHO", OpEcho.String())
	assert.Equal(t, "opcode(9)", Opcode(9).String())
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "UNIMPLEMENTED_REQUEST", StatusUnimplementedRequest.String())
}
