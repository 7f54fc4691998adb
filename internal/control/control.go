// Package control parses the host control channel grammar: the
// pipe-separated ASCII commands a MapReduce task's native runtime
// sends down a pipe or local socket to drive the shuffle engine
// (INIT/FETCH/FINAL/EXIT). Parsing only builds a Command; process
// lifecycle decisions stay with the caller.
package control

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which control command a line encodes.
type Kind int

const (
	KindInit Kind = iota
	KindFetch
	KindFinal
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindFetch:
		return "FETCH"
	case KindFinal:
		return "FINAL"
	case KindExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// InitParams carries the engine configuration an INIT line supplies.
type InitParams struct {
	NumMaps        int
	JobID          string
	ReduceTaskID   int
	LPQSize        int
	RDMABufSize    int
	MinRDMABuffer  int
	KeyType        string
	CompCodec      string
	CompBlockSize  int
	ShuffleMemory  int64
	LocalDirs      []string
}

// FetchParams identifies one map output a FETCH line requests. The
// segment fields (MOFPath/FileOffset/Length/TotalUncompressed) are
// optional trailing fields: the reduce task's shuffle copier already
// knows a map's output byte range from the map-completion event before
// it ever issues FETCH, the same way reducer.cc's copier does, so a
// host runtime that has that range on hand can pass it straight down
// rather than have the engine guess a whole-file length.
type FetchParams struct {
	Host     string
	JobID    string
	MapID    string
	ReduceID int

	MOFPath           string
	FileOffset        int64
	Length            int64
	TotalUncompressed int64
}

// HasSegment reports whether the FETCH line carried explicit segment
// fields rather than just host/job/map/reduce identity.
func (p FetchParams) HasSegment() bool {
	return p.MOFPath != ""
}

// Command is the parsed form of one control channel line.
type Command struct {
	Kind  Kind
	Init  InitParams
	Fetch FetchParams
}

// Parse decodes one pipe-separated control line. It returns an error
// for an unrecognized leading token or a malformed field count/value,
// mirroring the original MOFServlet parser's "return NULL on any
// missing field" behavior.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, "|")
	if len(fields) == 0 || fields[0] == "" {
		return Command{}, fmt.Errorf("control: empty command line")
	}

	switch fields[0] {
	case "INIT":
		return parseInit(fields[1:])
	case "FETCH":
		return parseFetch(fields[1:])
	case "FINAL":
		return Command{Kind: KindFinal}, nil
	case "EXIT":
		return Command{Kind: KindExit}, nil
	default:
		return Command{}, fmt.Errorf("control: unrecognized command %q", fields[0])
	}
}

const initFixedFields = 11

func parseInit(fields []string) (Command, error) {
	if len(fields) < initFixedFields+1 {
		return Command{}, fmt.Errorf("control: INIT needs at least %d fields, got %d", initFixedFields+1, len(fields))
	}

	numMaps, err := strconv.Atoi(fields[0])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT num_maps: %w", err)
	}
	reduceTaskID, err := strconv.Atoi(fields[2])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT reduce_task_id: %w", err)
	}
	lpqSize, err := strconv.Atoi(fields[3])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT lpq_size: %w", err)
	}
	rdmaBufSize, err := strconv.Atoi(fields[4])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT rdma_buf_size: %w", err)
	}
	minRDMABuffer, err := strconv.Atoi(fields[5])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT min_rdma_buffer: %w", err)
	}
	compBlockSize, err := strconv.Atoi(fields[8])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT comp_block_size: %w", err)
	}
	shuffleMemory, err := strconv.ParseInt(fields[9], 10, 64)
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT shuffle_memory: %w", err)
	}
	numLocalDirs, err := strconv.Atoi(fields[10])
	if err != nil {
		return Command{}, fmt.Errorf("control: INIT num_local_dirs: %w", err)
	}
	if len(fields) < initFixedFields+numLocalDirs {
		return Command{}, fmt.Errorf("control: INIT declares %d local dirs, got %d trailing fields", numLocalDirs, len(fields)-initFixedFields)
	}

	dirs := make([]string, numLocalDirs)
	copy(dirs, fields[initFixedFields:initFixedFields+numLocalDirs])

	return Command{
		Kind: KindInit,
		Init: InitParams{
			NumMaps:       numMaps,
			JobID:         fields[1],
			ReduceTaskID:  reduceTaskID,
			LPQSize:       lpqSize,
			RDMABufSize:   rdmaBufSize,
			MinRDMABuffer: minRDMABuffer,
			KeyType:       fields[6],
			CompCodec:     fields[7],
			CompBlockSize: compBlockSize,
			ShuffleMemory: shuffleMemory,
			LocalDirs:     dirs,
		},
	}, nil
}

const fetchSegmentFields = 8

func parseFetch(fields []string) (Command, error) {
	if len(fields) != 4 && len(fields) != fetchSegmentFields {
		return Command{}, fmt.Errorf("control: FETCH needs 4 or %d fields, got %d", fetchSegmentFields, len(fields))
	}
	reduceID, err := strconv.Atoi(fields[3])
	if err != nil {
		return Command{}, fmt.Errorf("control: FETCH reduce_id: %w", err)
	}

	p := FetchParams{
		Host:     fields[0],
		JobID:    fields[1],
		MapID:    fields[2],
		ReduceID: reduceID,
	}
	if len(fields) == fetchSegmentFields {
		fileOffset, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("control: FETCH file_offset: %w", err)
		}
		length, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("control: FETCH length: %w", err)
		}
		totalUncompressed, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("control: FETCH total_uncompressed: %w", err)
		}
		p.MOFPath = fields[7]
		p.FileOffset = fileOffset
		p.Length = length
		p.TotalUncompressed = totalUncompressed
	}

	return Command{Kind: KindFetch, Fetch: p}, nil
}

// Build re-encodes cmd into the wire line, used by this package's tests
// and by anything driving the control channel directly rather than
// through a host runtime.
func Build(cmd Command) string {
	switch cmd.Kind {
	case KindInit:
		p := cmd.Init
		parts := []string{
			"INIT",
			strconv.Itoa(p.NumMaps), p.JobID, strconv.Itoa(p.ReduceTaskID),
			strconv.Itoa(p.LPQSize), strconv.Itoa(p.RDMABufSize), strconv.Itoa(p.MinRDMABuffer),
			p.KeyType, p.CompCodec, strconv.Itoa(p.CompBlockSize),
			strconv.FormatInt(p.ShuffleMemory, 10), strconv.Itoa(len(p.LocalDirs)),
		}
		parts = append(parts, p.LocalDirs...)
		return strings.Join(parts, "|")
	case KindFetch:
		p := cmd.Fetch
		parts := []string{"FETCH", p.Host, p.JobID, p.MapID, strconv.Itoa(p.ReduceID)}
		if p.HasSegment() {
			parts = append(parts,
				strconv.FormatInt(p.FileOffset, 10),
				strconv.FormatInt(p.Length, 10),
				strconv.FormatInt(p.TotalUncompressed, 10),
				p.MOFPath)
		}
		return strings.Join(parts, "|")
	case KindFinal:
		return "FINAL"
	case KindExit:
		return "EXIT"
	default:
		return ""
	}
}
