package rdma

// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// // Transition an RC queue pair to INIT.
// static int rc_qp_to_init(struct ibv_qp *qp, uint8_t port) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port;
//     attr.qp_access_flags = IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_READ;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// // Transition an RC queue pair to RTR against the peer's parameters.
// static int rc_qp_to_rtr(struct ibv_qp *qp, uint8_t port, uint16_t dlid,
//                         uint32_t dest_qpn, uint32_t rq_psn) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = IBV_MTU_1024;
//     attr.dest_qp_num = dest_qpn;
//     attr.rq_psn = rq_psn;
//     attr.max_dest_rd_atomic = 1;
//     attr.min_rnr_timer = 12;
//     attr.ah_attr.is_global = 0;
//     attr.ah_attr.dlid = dlid;
//     attr.ah_attr.sl = 0;
//     attr.ah_attr.src_path_bits = 0;
//     attr.ah_attr.port_num = port;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
//         IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// // Transition an RC queue pair to RTS.
// static int rc_qp_to_rts(struct ibv_qp *qp, uint32_t sq_psn) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = 14;
//     attr.retry_cnt = 7;
//     attr.rnr_retry = 7;
//     attr.sq_psn = sq_psn;
//     attr.max_rd_atomic = 1;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY |
//         IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
// }
import "C"

import (
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// queuePair is one RC queue pair bound to a shared receive queue and the
// transport's completion queues. It implements hca.QueuePair.
type queuePair struct {
	device *Device
	qp     *C.struct_ibv_qp
	port   uint8
	psn    uint32
}

var _ hca.QueuePair = (*queuePair)(nil)

// CreateQueuePair implements hca.HCA. The queue pair is left in INIT; Plumb
// finishes the job once the peer's tuple is known.
func (d *Device) CreateQueuePair(port uint8, srq hca.SharedReceiveQueue, txCQ, rxCQ hca.CompletionQueue, maxSendWR, maxRecvWR uint32) (hca.QueuePair, error) {
	var attr C.struct_ibv_qp_init_attr
	attr.qp_type = C.IBV_QPT_RC
	attr.sq_sig_all = 1
	attr.send_cq = txCQ.(*completionQueue).cq
	attr.recv_cq = rxCQ.(*completionQueue).cq
	attr.srq = srq.(*sharedReceiveQueue).srq
	attr.cap.max_send_wr = C.uint32_t(maxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(maxRecvWR)
	attr.cap.max_send_sge = 2
	attr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(d.pd, &attr)
	if qp == nil {
		return nil, fmt.Errorf("create queue pair on %s failed", d.name)
	}
	if ret := C.rc_qp_to_init(qp, C.uint8_t(port)); ret != 0 {
		C.ibv_destroy_qp(qp)
		return nil, fmt.Errorf("modify queue pair to INIT failed: %d", ret)
	}

	// Initial packet serial numbers are 24-bit values.
	psn := rand.Uint32() & 0xffffff
	q := &queuePair{device: d, qp: qp, port: port, psn: psn}
	log.Debug().Uint32("qpn", q.LocalQPNum()).Uint32("psn", psn).Msg("created rc queue pair")
	return q, nil
}

// LocalQPNum implements hca.QueuePair.
func (q *queuePair) LocalQPNum() uint32 { return uint32(q.qp.qp_num) }

// InitialPSN implements hca.QueuePair.
func (q *queuePair) InitialPSN() uint32 { return q.psn }

// Plumb implements hca.QueuePair: INIT -> RTR -> RTS using the peer's
// parameters from the exchanged tuple.
func (q *queuePair) Plumb(peerLID uint16, peerQPN, peerPSN uint32) error {
	if ret := C.rc_qp_to_rtr(q.qp, C.uint8_t(q.port), C.uint16_t(peerLID),
		C.uint32_t(peerQPN), C.uint32_t(peerPSN)); ret != 0 {
		return fmt.Errorf("modify queue pair to RTR failed: %d", ret)
	}
	if ret := C.rc_qp_to_rts(q.qp, C.uint32_t(q.psn)); ret != 0 {
		return fmt.Errorf("modify queue pair to RTS failed: %d", ret)
	}
	log.Debug().
		Uint32("qpn", q.LocalQPNum()).
		Uint16("peer_lid", peerLID).
		Uint32("peer_qpn", peerQPN).
		Msg("plumbed rc queue pair")
	return nil
}

// Destroy implements hca.QueuePair.
func (q *queuePair) Destroy() error {
	if q.qp == nil {
		return nil
	}
	if ret := C.ibv_destroy_qp(q.qp); ret != 0 {
		return fmt.Errorf("destroy queue pair failed: %d", ret)
	}
	q.qp = nil
	return nil
}
