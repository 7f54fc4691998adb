package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netlev/rdmashuffle/internal/constants"
)

// FetchRequest is the client->server payload requesting one map-output
// segment. Field order and separator match the wire grammar exactly:
//
//	jobid:mapid:mop_offset:reduceid:remote_addr:freq_handle:chunk_size:file_offset:mof_path:total_uncompressed:total_rdma
type FetchRequest struct {
	JobID             string
	MapID             string
	MOPOffset         int64
	ReduceID          string
	RemoteAddr        uint64
	FreqHandle        uint64
	ChunkSize         int64
	FileOffset        int64
	MOFPath           string
	TotalUncompressed int64
	TotalRDMA         int64
}

// Marshal renders the ASCII fetch-request payload. It rejects payloads
// that would exceed FetchReqMaxSize, matching the oversize-message
// boundary in the transport's error table.
func (r FetchRequest) Marshal() ([]byte, error) {
	s := strings.Join([]string{
		r.JobID,
		r.MapID,
		strconv.FormatInt(r.MOPOffset, 10),
		r.ReduceID,
		strconv.FormatUint(r.RemoteAddr, 10),
		strconv.FormatUint(r.FreqHandle, 10),
		strconv.FormatInt(r.ChunkSize, 10),
		strconv.FormatInt(r.FileOffset, 10),
		r.MOFPath,
		strconv.FormatInt(r.TotalUncompressed, 10),
		strconv.FormatInt(r.TotalRDMA, 10),
	}, ":")
	if len(s) >= constants.FetchReqMaxSize {
		return nil, fmt.Errorf("wire: fetch request payload %d bytes exceeds max %d", len(s), constants.FetchReqMaxSize)
	}
	if len(r.MOFPath) >= constants.MOFPathMaxSize {
		return nil, fmt.Errorf("wire: mof path %d bytes exceeds max %d", len(r.MOFPath), constants.MOFPathMaxSize)
	}
	return []byte(s), nil
}

// UnmarshalFetchRequest parses a fetch-request payload. A malformed
// payload (wrong field count, or a non-integer in an integer field)
// returns an error; callers should surface ErrCodeMalformedRequest.
func UnmarshalFetchRequest(b []byte) (FetchRequest, error) {
	fields := strings.Split(string(b), ":")
	if len(fields) != 11 {
		return FetchRequest{}, fmt.Errorf("wire: fetch request has %d fields, want 11", len(fields))
	}
	var r FetchRequest
	var err error
	r.JobID = fields[0]
	r.MapID = fields[1]
	if r.MOPOffset, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad mop_offset: %w", err)
	}
	r.ReduceID = fields[3]
	if r.RemoteAddr, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad remote_addr: %w", err)
	}
	if r.FreqHandle, err = strconv.ParseUint(fields[5], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad freq_handle: %w", err)
	}
	if r.ChunkSize, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad chunk_size: %w", err)
	}
	if r.FileOffset, err = strconv.ParseInt(fields[7], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad file_offset: %w", err)
	}
	r.MOFPath = fields[8]
	if r.TotalUncompressed, err = strconv.ParseInt(fields[9], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad total_uncompressed: %w", err)
	}
	if r.TotalRDMA, err = strconv.ParseInt(fields[10], 10, 64); err != nil {
		return FetchRequest{}, fmt.Errorf("wire: bad total_rdma: %w", err)
	}
	return r, nil
}

// FetchAck is the server->client payload acknowledging an RDMA_WRITE.
// Field order matches the original's ack snprintf, including its
// trailing separator after mof_path:
//
//	rawLength:partLength:rdma_send_size:file_offset:mof_path:
type FetchAck struct {
	RawLength     int64
	PartLength    int64
	RDMASendSize  int32
	FileOffset    int64
	MOFPath       string
}

func (a FetchAck) Marshal() ([]byte, error) {
	s := fmt.Sprintf("%d:%d:%d:%d:%s:", a.RawLength, a.PartLength, a.RDMASendSize, a.FileOffset, a.MOFPath)
	if len(s) >= constants.FetchReqMaxSize {
		return nil, fmt.Errorf("wire: fetch ack payload %d bytes exceeds max %d", len(s), constants.FetchReqMaxSize)
	}
	return []byte(s), nil
}

func UnmarshalFetchAck(b []byte) (FetchAck, error) {
	s := strings.TrimSuffix(string(b), ":")
	fields := strings.Split(s, ":")
	if len(fields) != 5 {
		return FetchAck{}, fmt.Errorf("wire: fetch ack has %d fields, want 5", len(fields))
	}
	var a FetchAck
	var err error
	if a.RawLength, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return FetchAck{}, fmt.Errorf("wire: bad rawLength: %w", err)
	}
	if a.PartLength, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return FetchAck{}, fmt.Errorf("wire: bad partLength: %w", err)
	}
	v, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return FetchAck{}, fmt.Errorf("wire: bad rdma_send_size: %w", err)
	}
	a.RDMASendSize = int32(v)
	if a.FileOffset, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
		return FetchAck{}, fmt.Errorf("wire: bad file_offset: %w", err)
	}
	a.MOFPath = fields[4]
	return a, nil
}
