package tcp

import (
	"github.com/vkernel/vkernel/internal/kerr"
)

// OpenActive transitions CLOSED -> SYN_SENT and returns the SYN segment to
// send (spec §4.4 "Active open").
func (cb *ControlBlock) OpenActive() *Segment {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.State = StateSynSent
	seg := &Segment{
		SrcPort: cb.Tuple.LocalPort,
		DstPort: cb.Tuple.RemotePort,
		Seq:     cb.ISS,
		Flags:   flagSYN,
		Window:  uint16(cb.RcvWnd),
	}
	cb.enqueueRetransmitLocked(cb.ISS, nil, false)
	return seg
}

// OpenListen transitions a freshly allocated control block into LISTEN.
func (cb *ControlBlock) OpenListen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.State = StateListen
}

// deriveFromListener builds a new SYN_RCVD control block for an incoming
// connection on a listening socket (spec §4.4 "Passive open").
func deriveFromListener(listener *ControlBlock, tuple FourTuple, seg *Segment) *ControlBlock {
	derived := NewControlBlock(listener.clock, tuple)
	derived.State = StateSynRcvd
	derived.IRS = seg.Seq
	derived.RcvNxt = seg.Seq + 1
	return derived
}

// HandleSegment processes one incoming segment against cb's state machine,
// per RFC 793 as summarized in spec §4.4. listener is non-nil only when cb
// is itself the LISTEN control block, in which case a derived control block
// may be returned for the registry to insert. response is the segment (if
// any) to send back.
func HandleSegment(cb *ControlBlock, listener *ControlBlock, tuple FourTuple, seg *Segment) (response *Segment, derived *ControlBlock, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if seg.RST() {
		cb.State = StateClosed
		return nil, nil, nil
	}

	switch cb.State {
	case StateListen:
		if !seg.SYN() {
			return rst(tuple, seg), nil, nil
		}
		d := deriveFromListener(cb, tuple, seg)
		resp := &Segment{
			SrcPort: tuple.LocalPort, DstPort: tuple.RemotePort,
			Seq: d.ISS, Ack: d.RcvNxt, Flags: flagSYN | flagACK, Window: uint16(d.RcvWnd),
		}
		d.enqueueRetransmitLocked(d.ISS, nil, false)
		return resp, d, nil

	case StateSynSent:
		if seg.SYN() && seg.ACK() {
			if seg.Ack != cb.SndNxt+1 {
				return rst(tuple, seg), nil, nil
			}
			cb.IRS = seg.Seq
			cb.RcvNxt = seg.Seq + 1
			cb.SndUna = seg.Ack
			cb.SndNxt = seg.Ack
			cb.SndWnd = uint32(seg.Window)
			cb.SndWL1 = seg.Seq
			cb.SndWL2 = seg.Ack
			cb.State = StateEstablished
			cb.clearRetransmitUpToLocked(seg.Ack)
			return &Segment{
				SrcPort: tuple.LocalPort, DstPort: tuple.RemotePort,
				Seq: cb.SndNxt, Ack: cb.RcvNxt, Flags: flagACK, Window: uint16(cb.RcvWnd),
			}, nil, nil
		}
		if seg.SYN() && !seg.ACK() {
			// simultaneous open
			cb.IRS = seg.Seq
			cb.RcvNxt = seg.Seq + 1
			cb.State = StateSynRcvd
			return &Segment{
				SrcPort: tuple.LocalPort, DstPort: tuple.RemotePort,
				Seq: cb.ISS, Ack: cb.RcvNxt, Flags: flagSYN | flagACK, Window: uint16(cb.RcvWnd),
			}, nil, nil
		}
		return nil, nil, nil

	case StateSynRcvd:
		if seg.ACK() {
			cb.SndUna = seg.Ack
			cb.SndWnd = uint32(seg.Window)
			cb.SndWL1 = seg.Seq
			cb.SndWL2 = seg.Ack
			cb.State = StateEstablished
			cb.clearRetransmitUpToLocked(seg.Ack)
		}
		return cb.acceptDataLocked(tuple, seg)

	case StateEstablished:
		if cb.acceptWindowUpdateLocked(seg) {
			cb.SndWnd = uint32(seg.Window)
		}
		if seg.ACK() {
			cb.onAckLocked(seg.Ack)
		}
		if seg.FIN() {
			cb.State = StateCloseWait
		}
		return cb.acceptDataLocked(tuple, seg)

	case StateFinWait1:
		if seg.ACK() {
			cb.onAckLocked(seg.Ack)
		}
		if seg.FIN() && seg.ACK() && seg.Ack == cb.SndNxt {
			cb.State = StateTimeWait
			cb.TimeWaitUntil = cb.clock.Now().Add(TimeWaitDuration)
		} else if seg.FIN() {
			cb.State = StateClosing
		} else if seg.ACK() && seg.Ack == cb.SndNxt {
			cb.State = StateFinWait2
		}
		return cb.acceptDataLocked(tuple, seg)

	case StateFinWait2:
		if seg.FIN() {
			cb.State = StateTimeWait
			cb.TimeWaitUntil = cb.clock.Now().Add(TimeWaitDuration)
		}
		return cb.acceptDataLocked(tuple, seg)

	case StateClosing:
		if seg.ACK() && seg.Ack == cb.SndNxt {
			cb.State = StateTimeWait
			cb.TimeWaitUntil = cb.clock.Now().Add(TimeWaitDuration)
		}
		return nil, nil, nil

	case StateCloseWait:
		if seg.ACK() {
			cb.onAckLocked(seg.Ack)
		}
		return nil, nil, nil

	case StateLastAck:
		if seg.ACK() && seg.Ack == cb.SndNxt {
			cb.State = StateClosed
		}
		return nil, nil, nil

	default:
		return rst(tuple, seg), nil, nil
	}
}

// CloseActive initiates a local close, per state (spec §4.4 "Close").
func (cb *ControlBlock) CloseActive() *Segment {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	finSeq := cb.SndNxt
	seg := &Segment{
		SrcPort: cb.Tuple.LocalPort, DstPort: cb.Tuple.RemotePort,
		Seq: finSeq, Ack: cb.RcvNxt, Flags: flagFIN | flagACK, Window: uint16(cb.RcvWnd),
	}
	cb.enqueueRetransmitLocked(finSeq, nil, true)
	cb.SndNxt++

	switch cb.State {
	case StateEstablished:
		cb.State = StateFinWait1
	case StateCloseWait:
		cb.State = StateLastAck
	}
	return seg
}

func rst(tuple FourTuple, seg *Segment) *Segment {
	return &Segment{
		SrcPort: tuple.LocalPort, DstPort: tuple.RemotePort,
		Seq: seg.Ack, Flags: flagRST,
	}
}

// acceptWindowUpdateLocked implements spec §4.4 windowing: accept only if
// seg.Seq > SndWL1, or seg.Seq == SndWL1 && seg.Ack >= SndWL2.
func (cb *ControlBlock) acceptWindowUpdateLocked(seg *Segment) bool {
	if !seg.ACK() {
		return false
	}
	if seqGreater(seg.Seq, cb.SndWL1) || (seg.Seq == cb.SndWL1 && !seqGreater(cb.SndWL2, seg.Ack)) {
		cb.SndWL1 = seg.Seq
		cb.SndWL2 = seg.Ack
		return true
	}
	return false
}

func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// acceptDataLocked appends in-order payload to the receive queue and
// advances RcvNxt (spec §4.4 Receive, invariant 4). Out-of-order data is
// dropped (spec §9 open question — the minimal-viable path).
func (cb *ControlBlock) acceptDataLocked(tuple FourTuple, seg *Segment) (*Segment, *ControlBlock, error) {
	if len(seg.Payload) == 0 && !seg.FIN() {
		return nil, nil, nil
	}
	if seg.Seq != cb.RcvNxt {
		return nil, nil, nil // out of order: drop
	}

	if len(seg.Payload) > 0 {
		if cb.recvQueueLen+len(seg.Payload) > RecvQueueCap {
			return nil, nil, kerr.New(kerr.ResourceExhausted, "tcp.acceptData")
		}
		cb.recvQueue = append(cb.recvQueue, seg.Payload...)
		cb.recvQueueLen += len(seg.Payload)
		cb.RcvNxt += uint32(len(seg.Payload))
	}
	if seg.FIN() {
		cb.RcvNxt++
	}

	return &Segment{
		SrcPort: tuple.LocalPort, DstPort: tuple.RemotePort,
		Seq: cb.SndNxt, Ack: cb.RcvNxt, Flags: flagACK, Window: uint16(cb.RcvWnd),
	}, nil, nil
}

// EnqueueSentData records payload as sent at SndNxt, advances SndNxt, and
// adds the segment to the retransmission queue (spec §4.4 Send path).
func (cb *ControlBlock) EnqueueSentData(payload []byte) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.enqueueRetransmitLocked(cb.SndNxt, payload, false)
	cb.SndNxt += uint32(len(payload))
}

// Recv pops up to max bytes from the receive queue.
func (cb *ControlBlock) Recv(max int) ([]byte, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.recvQueue) == 0 {
		if cb.State == StateCloseWait || cb.State == StateClosed {
			return nil, nil
		}
		return nil, kerr.New(kerr.WouldBlock, "tcp.Recv")
	}
	if max > len(cb.recvQueue) {
		max = len(cb.recvQueue)
	}
	out := make([]byte, max)
	copy(out, cb.recvQueue[:max])
	cb.recvQueue = cb.recvQueue[max:]
	cb.recvQueueLen -= max
	return out, nil
}
