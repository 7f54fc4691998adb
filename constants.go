package rdmashuffle

import "github.com/netlev/rdmashuffle/internal/constants"

// Re-export transport constants for the public API.
const (
	DefaultWqesPerConn       = constants.WqesPerConn
	FetchReqMaxSize          = constants.FetchReqMaxSize
	MOFPathMaxSize           = constants.MOFPathMaxSize
	DefaultRdmaMemChunksNum  = constants.RdmaMemChunksNum
	SignalInterval           = constants.SignalInterval
	DefaultRDMABufSize       = constants.DefaultRDMABufSize
	ReconnectTries           = constants.ReconnectTries
	ClientMaxCQEventsPerWake = constants.ClientMaxCQEventsPerWake
	ServerMaxCQEventsPerWake = constants.ServerMaxCQEventsPerWake
)

var (
	CMTimeout        = constants.CMTimeout
	ReconnectBackoff = constants.ReconnectBackoff
)
