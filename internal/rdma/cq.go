package rdma

// #include <infiniband/verbs.h>
import "C"

import (
	"github.com/yuuki/infrc/internal/hca"
)

// PollCompletionQueue implements hca.HCA: drain up to len(wc) work
// completions without blocking.
func (d *Device) PollCompletionQueue(cq hca.CompletionQueue, wc []hca.WorkCompletion) int {
	if len(wc) == 0 {
		return 0
	}
	c := cq.(*completionQueue)
	raw := make([]C.struct_ibv_wc, len(wc))
	n := int(C.ibv_poll_cq(c.cq, C.int(len(raw)), &raw[0]))
	if n <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		wc[i] = hca.WorkCompletion{
			WRID:    uint64(raw[i].wr_id),
			Status:  wcStatus(raw[i].status),
			Opcode:  wcOpcode(raw[i].opcode),
			ByteLen: uint32(raw[i].byte_len),
			QPNum:   uint32(raw[i].qp_num),
		}
	}
	return n
}

func wcStatus(s C.enum_ibv_wc_status) hca.WCStatus {
	switch s {
	case C.IBV_WC_SUCCESS:
		return hca.WCSuccess
	case C.IBV_WC_LOC_LEN_ERR:
		return hca.WCLocLenErr
	case C.IBV_WC_LOC_PROT_ERR:
		return hca.WCLocProtErr
	case C.IBV_WC_WR_FLUSH_ERR:
		return hca.WCWRFlushErr
	case C.IBV_WC_REM_ACCESS_ERR:
		return hca.WCRemAccessErr
	case C.IBV_WC_REM_INV_REQ_ERR:
		return hca.WCRemInvReqErr
	case C.IBV_WC_RETRY_EXC_ERR:
		return hca.WCRetryExcErr
	case C.IBV_WC_RNR_RETRY_EXC_ERR:
		return hca.WCRnrRetryExcErr
	default:
		return hca.WCGeneralErr
	}
}

func wcOpcode(op C.enum_ibv_wc_opcode) hca.WCOpcode {
	if op == C.IBV_WC_RECV {
		return hca.WCRecv
	}
	return hca.WCSend
}
