//go:build linux

package xen

import "unsafe"

// device-model op codes from public/hvm/dm_op.h

const (
	dmopCreateIoreqServer       = 1
	dmopGetIoreqServerInfo      = 2
	dmopMapIORangeToIoreqServer = 3
	dmopUnmapIORangeFromServer  = 4
	dmopSetIoreqServerState     = 5
	dmopDestroyIoreqServer      = 6
)

// io range types

const (
	IORangePort   = 0
	IORangeMemory = 1
	IORangePCI    = 2
)

// buffered ioreq handling modes

const (
	BufioreqOff    = 0
	BufioreqLegacy = 1
	BufioreqAtomic = 2
)

// dmOp has the same layout as struct xen_dm_op. The union is sized to hold every
// member this package uses and is uint64-typed to keep its natural alignment.
type dmOp struct {
	Op uint32
	_  uint32
	U  [8]uint64
}

// dmOpCreateIoreqServer has the same layout as struct xen_dm_op_create_ioreq_server.
type dmOpCreateIoreqServer struct {
	HandleBufioreq uint8
	_              [3]uint8
	ID             uint16
}

// dmOpGetIoreqServerInfo has the same layout as struct xen_dm_op_get_ioreq_server_info.
type dmOpGetIoreqServerInfo struct {
	ID           uint16
	Flags        uint16
	BufioreqPort uint32
	IoreqGFN     uint64
	BufioreqGFN  uint64
}

// dmOpIoreqServerRange has the same layout as struct xen_dm_op_ioreq_server_range.
type dmOpIoreqServerRange struct {
	ID    uint16
	Type  uint16
	_     uint32
	Start uint64
	End   uint64
}

// dmOpSetIoreqServerState has the same layout as struct xen_dm_op_set_ioreq_server_state.
type dmOpSetIoreqServerState struct {
	ID      uint16
	Enabled uint8
	_       uint8
}

// dmOpDestroyIoreqServer has the same layout as struct xen_dm_op_destroy_ioreq_server.
type dmOpDestroyIoreqServer struct {
	ID uint16
	_  uint16
}

// IoreqServerInfo describes the shared pages and event channel of an ioreq server.
type IoreqServerInfo struct {
	IoreqGFN     uint64
	BufioreqGFN  uint64
	BufioreqPort uint32
}

func unionOf[T any](op *dmOp) *T {
	return (*T)(unsafe.Pointer(&op.U[0]))
}

// CreateIoreqServer creates an ioreq server for domain. The server starts disabled.
func (h *Handle) CreateIoreqServer(domain uint16, bufioreq bool) (id uint16, err error) {
	op := dmOp{Op: dmopCreateIoreqServer}
	u := unionOf[dmOpCreateIoreqServer](&op)
	if bufioreq {
		u.HandleBufioreq = BufioreqAtomic
	}

	if err := h.dmOp(domain, &op); err != nil {
		return 0, err
	}

	return u.ID, nil
}

// GetIoreqServerInfo returns the frames of the synchronous and buffered ioreq pages
// and the buffered ioreq event channel of server id.
func (h *Handle) GetIoreqServerInfo(domain, id uint16) (IoreqServerInfo, error) {
	op := dmOp{Op: dmopGetIoreqServerInfo}
	u := unionOf[dmOpGetIoreqServerInfo](&op)
	u.ID = id

	if err := h.dmOp(domain, &op); err != nil {
		return IoreqServerInfo{}, err
	}

	return IoreqServerInfo{
		IoreqGFN:     u.IoreqGFN,
		BufioreqGFN:  u.BufioreqGFN,
		BufioreqPort: u.BufioreqPort,
	}, nil
}

// IoreqServerInfo is GetIoreqServerInfo in the shape the ioreq package consumes.
func (h *Handle) IoreqServerInfo(domain, id uint16) (ioreqGFN, bufioreqGFN uint64, bufioreqPort uint32, err error) {
	info, err := h.GetIoreqServerInfo(domain, id)
	return info.IoreqGFN, info.BufioreqGFN, info.BufioreqPort, err
}

// SetIoreqServerState enables or disables server id.
func (h *Handle) SetIoreqServerState(domain, id uint16, enabled bool) error {
	op := dmOp{Op: dmopSetIoreqServerState}
	u := unionOf[dmOpSetIoreqServerState](&op)
	u.ID = id
	if enabled {
		u.Enabled = 1
	}

	return h.dmOp(domain, &op)
}

// DestroyIoreqServer destroys server id.
func (h *Handle) DestroyIoreqServer(domain, id uint16) error {
	op := dmOp{Op: dmopDestroyIoreqServer}
	unionOf[dmOpDestroyIoreqServer](&op).ID = id
	return h.dmOp(domain, &op)
}

// MapIORange claims the inclusive range [start, end] for server id.
func (h *Handle) MapIORange(domain, id uint16, mmio bool, start, end uint64) error {
	return h.ioRange(dmopMapIORangeToIoreqServer, domain, id, mmio, start, end)
}

// UnmapIORange releases a range claimed with MapIORange.
func (h *Handle) UnmapIORange(domain, id uint16, mmio bool, start, end uint64) error {
	return h.ioRange(dmopUnmapIORangeFromServer, domain, id, mmio, start, end)
}

func (h *Handle) ioRange(code uint32, domain, id uint16, mmio bool, start, end uint64) error {
	op := dmOp{Op: code}
	u := unionOf[dmOpIoreqServerRange](&op)
	u.ID = id
	u.Type = IORangePort
	if mmio {
		u.Type = IORangeMemory
	}

	u.Start = start
	u.End = end

	return h.dmOp(domain, &op)
}
