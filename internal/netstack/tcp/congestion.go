package tcp

import "time"

// enqueueRetransmitLocked records a just-sent segment for retransmission
// until it is cumulatively acknowledged (spec §9: retain every transmitted
// segment, drop on cumulative ACK).
func (cb *ControlBlock) enqueueRetransmitLocked(seq uint32, payload []byte, fin bool) {
	cb.retransmitQueue = append(cb.retransmitQueue, retransmitEntry{
		seq:     seq,
		payload: payload,
		sentAt:  cb.clock.Now(),
		fin:     fin,
	})
}

// clearRetransmitUpToLocked drops queue entries fully covered by ack and
// folds their round-trip sample into the Jacobson/Karels estimator (spec
// §4.4 "RTT estimator: Jacobson/Karels", decided open question).
func (cb *ControlBlock) clearRetransmitUpToLocked(ack uint32) {
	now := cb.clock.Now()
	kept := cb.retransmitQueue[:0]
	for _, e := range cb.retransmitQueue {
		end := e.seq + uint32(len(e.payload))
		if e.fin {
			end++
		}
		if seqGreaterOrEqual(ack, end) {
			cb.sampleRTTLocked(now.Sub(e.sentAt))
			continue
		}
		kept = append(kept, e)
	}
	cb.retransmitQueue = kept
}

func seqGreaterOrEqual(a, b uint32) bool {
	return a == b || seqGreater(a, b)
}

// sampleRTTLocked folds one round-trip sample into SRTT/RTTVar per RFC 6298
// (Jacobson/Karels), then derives RTO = SRTT + 4*RTTVar, clamped to
// [minRTO, maxRTO].
func (cb *ControlBlock) sampleRTTLocked(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !cb.haveRTT {
		cb.SRTT = sample
		cb.RTTVar = sample / 2
		cb.haveRTT = true
	} else {
		delta := cb.SRTT - sample
		if delta < 0 {
			delta = -delta
		}
		cb.RTTVar = cb.RTTVar - cb.RTTVar/4 + delta/4
		cb.SRTT = cb.SRTT - cb.SRTT/8 + sample/8
	}
	rto := cb.SRTT + 4*cb.RTTVar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	cb.RTO = rto
}

// onAckLocked advances SndUna on a new cumulative ACK, running slow start /
// congestion avoidance, and detects duplicate ACKs for fast retransmit
// (spec §4.4 "Congestion control: slow start, congestion avoidance, fast
// retransmit/recovery").
func (cb *ControlBlock) onAckLocked(ack uint32) {
	if seqGreater(ack, cb.SndUna) {
		cb.SndUna = ack
		cb.clearRetransmitUpToLocked(ack)
		cb.DupACKs = 0

		if cb.inFastRec {
			cb.CWnd = cb.SSThresh
			cb.inFastRec = false
		}

		if cb.CWnd < cb.SSThresh {
			// slow start: +1 MSS per ACK'd segment
			cb.CWnd += MSS
		} else {
			// congestion avoidance: +MSS*MSS/CWnd per ACK, floor 1 byte
			inc := uint32(MSS) * uint32(MSS) / cb.CWnd
			if inc == 0 {
				inc = 1
			}
			cb.CWnd += inc
		}
		return
	}

	if ack == cb.SndUna {
		cb.DupACKs++
		if cb.DupACKs == 3 && !cb.inFastRec {
			// fast retransmit (spec §4.4)
			cb.SSThresh = cb.CWnd / 2
			if cb.SSThresh < 2*MSS {
				cb.SSThresh = 2 * MSS
			}
			cb.CWnd = cb.SSThresh + 3*MSS
			cb.inFastRec = true
		} else if cb.inFastRec {
			cb.CWnd += MSS
		}
	}
}

// RetransmitDue returns the queue entries whose RTO has elapsed, for the
// timer worker to resend (spec §4.4 close coupling with the timer worker).
func (cb *ControlBlock) RetransmitDue() []retransmitEntry {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	var due []retransmitEntry
	for i := range cb.retransmitQueue {
		e := &cb.retransmitQueue[i]
		if now.Sub(e.sentAt) >= cb.RTO {
			due = append(due, *e)
			e.sentAt = now
			// RTO backoff on retransmission (exponential, capped).
			cb.RTO *= 2
			if cb.RTO > maxRTO {
				cb.RTO = maxRTO
			}
			// retransmit timeout also resets congestion window to slow start
			cb.SSThresh = cb.CWnd / 2
			if cb.SSThresh < 2*MSS {
				cb.SSThresh = 2 * MSS
			}
			cb.CWnd = MSS
			cb.inFastRec = false
		}
	}
	return due
}

// RetransmitSegments wraps RetransmitDue, building each due entry into a
// ready-to-send Segment against cb.Tuple (the kernel façade's sweep path —
// retransmitEntry stays unexported since nothing outside this package
// needs its raw fields).
func (cb *ControlBlock) RetransmitSegments() []*Segment {
	due := cb.RetransmitDue()
	if len(due) == 0 {
		return nil
	}
	cb.mu.Lock()
	ack, wnd := cb.RcvNxt, uint16(cb.RcvWnd)
	cb.mu.Unlock()

	segs := make([]*Segment, 0, len(due))
	for _, e := range due {
		flags := uint8(flagACK)
		if e.fin {
			flags |= flagFIN
		}
		segs = append(segs, &Segment{
			SrcPort: cb.Tuple.LocalPort, DstPort: cb.Tuple.RemotePort,
			Seq: e.seq, Ack: ack, Flags: flags, Window: wnd,
			Payload: e.payload,
		})
	}
	return segs
}

// TimeWaitExpired reports whether cb's TIME_WAIT period has expired as of now.
func (cb *ControlBlock) TimeWaitExpired(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.State == StateTimeWait && !cb.TimeWaitUntil.IsZero() && !now.Before(cb.TimeWaitUntil)
}
