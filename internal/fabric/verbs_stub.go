//go:build !cgo || !linux

package fabric

import (
	"context"
	"fmt"

	"github.com/netlev/rdmashuffle/internal/ifaces"
)

// VerbsFabric is unavailable without cgo on Linux; this stub keeps
// cmd/ linkable on other platforms and reports why at construction
// time rather than failing to compile.
type VerbsFabric struct{}

// NewVerbsFabric always fails on this build: rdma_cm/libverbs bindings
// require cgo and Linux. Rebuild with CGO_ENABLED=1 on a Linux host
// with libibverbs-dev/librdmacm-dev installed.
func NewVerbsFabric(loop *Loop, wqeDepth int) (*VerbsFabric, error) {
	return nil, fmt.Errorf("fabric: verbs transport requires cgo and linux (rebuild with CGO_ENABLED=1)")
}

func (f *VerbsFabric) Connect(ctx context.Context, addr string, buildPriv func(qp ifaces.QueuePair) []byte) (ifaces.QueuePair, []byte, error) {
	return nil, nil, fmt.Errorf("fabric: verbs transport unavailable on this build")
}

func (f *VerbsFabric) Listen(ctx context.Context, addr string, accept func(req ifaces.ConnRequest), onDisconnect func(qp ifaces.QueuePair)) error {
	return fmt.Errorf("fabric: verbs transport unavailable on this build")
}

func (f *VerbsFabric) Close() error { return nil }

var _ ifaces.Fabric = (*VerbsFabric)(nil)
