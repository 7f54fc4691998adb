package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netlev/rdmashuffle/internal/constants"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Credits: 7, Type: MsgRTS, TotLen: 512, SrcReq: 0xdeadbeef}
	buf := make([]byte, HeaderSize())
	require.NoError(t, h.Marshal(buf))

	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderShortBuffer(t *testing.T) {
	_, err := UnmarshalHeader(make([]byte, HeaderSize()-1))
	require.Error(t, err)

	h := Header{}
	require.Error(t, h.Marshal(make([]byte, HeaderSize()-1)))
}

func TestFetchRequestRoundTrip(t *testing.T) {
	r := FetchRequest{
		JobID:             "job_0001",
		MapID:             "map_0042",
		MOPOffset:         1024,
		ReduceID:          "reduce_0003",
		RemoteAddr:        0x7f0000001000,
		FreqHandle:        99,
		ChunkSize:         4096,
		FileOffset:        0,
		MOFPath:           "/m/1",
		TotalUncompressed: 8192,
		TotalRDMA:         4096,
	}
	b, err := r.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalFetchRequest(b)
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestFetchRequestOversizeBoundary(t *testing.T) {
	// Build a fetch request whose encoded payload lands on either side
	// of the 799/800+ byte boundary (scenario 5).
	base := FetchRequest{
		JobID: "j", MapID: "m", ReduceID: "r", MOFPath: "/x",
	}

	// A short path encodes well under the limit.
	b, err := base.Marshal()
	require.NoError(t, err)
	require.Less(t, len(b), constants.FetchReqMaxSize)

	// Pad the job id (the path stays short, so only the payload limit
	// applies): exactly FetchReqMaxSize-1 bytes encodes, one more does not.
	fixed := len(b) - len(base.JobID)
	atLimit := base
	atLimit.JobID = strings.Repeat("j", constants.FetchReqMaxSize-1-fixed)
	b, err = atLimit.Marshal()
	require.NoError(t, err)
	require.Len(t, b, constants.FetchReqMaxSize-1)

	oversize := base
	oversize.JobID = strings.Repeat("j", constants.FetchReqMaxSize-fixed)
	_, err = oversize.Marshal()
	require.Error(t, err)
}

func TestFetchRequestMalformed(t *testing.T) {
	_, err := UnmarshalFetchRequest([]byte("a:b:"))
	require.Error(t, err)
}

func TestFetchAckRoundTrip(t *testing.T) {
	a := FetchAck{RawLength: 4096, PartLength: 4096, RDMASendSize: 4096, FileOffset: 0, MOFPath: "/m/1"}
	b, err := a.Marshal()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(b), ":"))

	got, err := UnmarshalFetchAck(b)
	require.NoError(t, err)
	require.Equal(t, a, got)
}
