// Package rdma drives a real host channel adapter through libibverbs. It is
// the production implementation of hca.HCA: reliable connected queue pairs,
// shared receive queues, and pools of pre-registered buffers. Registration
// is front-loaded because ibv_reg_mr is far too slow to run per message.
package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// // Post one receive work request to a shared receive queue. The work
// // request lives on the C stack so no Go pointers reach the kernel.
// static int srq_post_recv(struct ibv_srq *srq, uint64_t wr_id, uint64_t addr,
//                          uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//
//     return ibv_post_srq_recv(srq, &wr, &bad_wr);
// }
//
// // Post a signaled single-segment send.
// static int qp_post_send(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
//                         uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = IBV_WR_SEND;
//     wr.send_flags = IBV_SEND_SIGNALED;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// // Post a signaled two-segment send: a copied header followed by an
// // in-place payload from a separately registered region.
// static int qp_post_send_two(struct ibv_qp *qp, uint64_t wr_id,
//                             uint64_t addr0, uint32_t len0, uint32_t lkey0,
//                             uint64_t addr1, uint32_t len1, uint32_t lkey1) {
//     struct ibv_sge sge[2];
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(sge, 0, sizeof(sge));
//     sge[0].addr = addr0;
//     sge[0].length = len0;
//     sge[0].lkey = lkey0;
//     sge[1].addr = addr1;
//     sge[1].length = len1;
//     sge[1].lkey = lkey1;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = sge;
//     wr.num_sge = 2;
//     wr.opcode = IBV_WR_SEND;
//     wr.send_flags = IBV_SEND_SIGNALED;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// // Query the LID of a physical port.
// static int query_port_lid(struct ibv_context *ctx, uint8_t port, uint16_t *lid) {
//     struct ibv_port_attr attr;
//     if (ibv_query_port(ctx, port, &attr)) {
//         return -1;
//     }
//     *lid = attr.lid;
//     return 0;
// }
import "C"

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// Device is one opened HCA with its protection domain. It implements
// hca.HCA.
type Device struct {
	ctx  *C.struct_ibv_context
	pd   *C.struct_ibv_pd
	name string

	nextDescID atomic.Uint64
}

var _ hca.HCA = (*Device)(nil)

// Open opens the named device, or the first device found when name is
// empty, and allocates its protection domain.
func Open(name string) (*Device, error) {
	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("get rdma device list failed")
	}
	defer C.ibv_free_device_list(deviceList)
	if numDevices == 0 {
		return nil, fmt.Errorf("no rdma devices found")
	}

	var chosen *C.struct_ibv_device
	for i := 0; i < int(numDevices); i++ {
		dev := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if dev == nil {
			continue
		}
		devName := C.GoString(C.ibv_get_device_name(dev))
		log.Debug().Str("device", devName).Msg("found rdma device")
		if name == "" || devName == name {
			chosen = dev
			name = devName
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("rdma device %q not found", name)
	}

	ctx := C.ibv_open_device(chosen)
	if ctx == nil {
		return nil, fmt.Errorf("open device %s failed", name)
	}
	pd := C.ibv_alloc_pd(ctx)
	if pd == nil {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("allocate protection domain for %s failed", name)
	}

	log.Info().Str("device", name).Msg("opened rdma device")
	return &Device{ctx: ctx, pd: pd, name: name}, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// LID implements hca.HCA.
func (d *Device) LID(port uint8) (uint16, error) {
	var lid C.uint16_t
	if C.query_port_lid(d.ctx, C.uint8_t(port), &lid) != 0 {
		return 0, fmt.Errorf("query port %d on %s failed", port, d.name)
	}
	return uint16(lid), nil
}

// CreateSharedReceiveQueue implements hca.HCA.
func (d *Device) CreateSharedReceiveQueue(maxWR, maxSGE uint32) (hca.SharedReceiveQueue, error) {
	var attr C.struct_ibv_srq_init_attr
	attr.attr.max_wr = C.uint32_t(maxWR)
	attr.attr.max_sge = C.uint32_t(maxSGE)
	srq := C.ibv_create_srq(d.pd, &attr)
	if srq == nil {
		return nil, fmt.Errorf("create shared receive queue on %s failed", d.name)
	}
	return &sharedReceiveQueue{srq: srq}, nil
}

// CreateCompletionQueue implements hca.HCA.
func (d *Device) CreateCompletionQueue(minEntries int) (hca.CompletionQueue, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(minEntries), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("create completion queue on %s failed", d.name)
	}
	return &completionQueue{cq: cq}, nil
}

// PostSRQReceive implements hca.HCA.
func (d *Device) PostSRQReceive(srq hca.SharedReceiveQueue, bd *hca.BufferDescriptor) error {
	s := srq.(*sharedReceiveQueue)
	ret := C.srq_post_recv(s.srq, C.uint64_t(bd.ID),
		C.uint64_t(bufferAddr(bd.Buf)), C.uint32_t(cap(bd.Buf)), C.uint32_t(bd.LKey))
	if ret != 0 {
		return fmt.Errorf("ibv_post_srq_recv failed: %d", ret)
	}
	return nil
}

// PostSend implements hca.HCA.
func (d *Device) PostSend(qp hca.QueuePair, bd *hca.BufferDescriptor, length uint32) error {
	q := qp.(*queuePair)
	ret := C.qp_post_send(q.qp, C.uint64_t(bd.ID),
		C.uint64_t(bufferAddr(bd.Buf)), C.uint32_t(length), C.uint32_t(bd.LKey))
	if ret != 0 {
		return fmt.Errorf("ibv_post_send failed: %d", ret)
	}
	return nil
}

// PostSendZeroCopy implements hca.HCA.
func (d *Device) PostSendZeroCopy(qp hca.QueuePair, bd *hca.BufferDescriptor, hdrLen uint32, payload []byte, mr hca.MemoryRegion) error {
	q := qp.(*queuePair)
	m := mr.(*memoryRegion)
	ret := C.qp_post_send_two(q.qp, C.uint64_t(bd.ID),
		C.uint64_t(bufferAddr(bd.Buf)), C.uint32_t(hdrLen), C.uint32_t(bd.LKey),
		C.uint64_t(bufferAddr(payload)), C.uint32_t(len(payload)), C.uint32_t(m.LKey()))
	if ret != 0 {
		return fmt.Errorf("ibv_post_send (two segments) failed: %d", ret)
	}
	return nil
}

// Close implements hca.HCA.
func (d *Device) Close() error {
	if d.pd != nil {
		C.ibv_dealloc_pd(d.pd)
		d.pd = nil
	}
	if d.ctx != nil {
		C.ibv_close_device(d.ctx)
		d.ctx = nil
	}
	log.Debug().Str("device", d.name).Msg("closed rdma device")
	return nil
}

func bufferAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

type sharedReceiveQueue struct {
	srq *C.struct_ibv_srq
}

type completionQueue struct {
	cq *C.struct_ibv_cq
}
