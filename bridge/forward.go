package bridge

import (
	"time"

	"go.uber.org/zap"

	"busbridge/bus"
	"busbridge/protocol"
)

// The bus-to-tunnel pipeline: pair each received scout with its data frame,
// encapsulate the frame as a tunnel datagram and deliver it with a bounded
// retry budget.

func (br *Bridge) forwardTask() {
	defer close(br.forwardDone)

	for {
		// Get scout
		pkt, ok, _ := br.nextPacket(0)
		if !ok {
			return
		}
		if pkt.Type == bus.PacketIdle {
			continue
		}
		if pkt.Length < protocol.ScoutSize {
			br.log.Warn("unexpected short scout frame discarded",
				zap.Int("length", pkt.Length))
			continue
		}
		scout := protocol.ParseScout(pkt.Data[bus.PacketHeadroom:])
		if pkt.Length != protocol.ScoutSize {
			br.log.Warn("expected scout but got a data frame, discarding",
				zap.Int("length", pkt.Length),
				zap.Uint8("src_stn", scout.SrcStation),
				zap.Uint8("dst_stn", scout.DstStation))
			continue
		}

		// Get data packet
		pkt, ok, timedOut := br.nextPacket(forwardDataTimeout)
		if !ok {
			return
		}
		if timedOut {
			br.log.Warn("timeout waiting for data frame, no clock?",
				zap.Uint8("src_stn", scout.SrcStation),
				zap.Uint8("dst_stn", scout.DstStation),
				zap.Uint8("control", scout.Control),
				zap.Uint8("port", scout.Port))
			continue
		}
		if pkt.Type == bus.PacketIdle {
			br.log.Warn("idle whilst waiting for data frame",
				zap.Uint8("src_stn", scout.SrcStation),
				zap.Uint8("dst_stn", scout.DstStation))
			continue
		}
		if pkt.Length <= protocol.HeaderSize {
			br.log.Warn("unexpected short frame discarded")
			continue
		}

		frame := pkt.Data[bus.PacketHeadroom:]
		hdr := protocol.ParseHeader(frame)
		if hdr != scout.Header {
			br.log.Warn("address mismatch on scout/data frame")
		}

		busStation := br.busStationByID(hdr.SrcStation)
		if busStation == nil {
			br.log.Warn("bus station is not configured, not forwarding",
				zap.Uint8("station", hdr.SrcStation))
			br.stats.TxNoStationCount++
			continue
		}
		tunnelStation := br.tunnelStationByID(hdr.DstStation)
		if tunnelStation == nil {
			br.log.Error("tunnel station is not configured but we accepted a frame for it",
				zap.Uint8("station", hdr.DstStation))
			br.stats.TxNoStationCount++
			continue
		}

		br.stats.TxCount++
		br.seq += 4

		// Rewrite the buffer in place: the tunnel header lands on the
		// workspace prefix and the address bytes, the body stays put.
		tunnelHdr := protocol.TunnelHeader{
			Type:    protocol.TunnelTypeData,
			Port:    scout.Port,
			Control: scout.Control & 0x7F,
			Seq:     br.seq,
		}
		body := pkt.Length - protocol.HeaderSize
		datagram := pkt.Data[:protocol.TunnelHeaderSize+body]

		delivered := false
		for attempt := 0; attempt < tunnelAttempts; attempt++ {
			if attempt > 0 {
				br.stats.TxRetryCount++
				br.log.Info("retrying tunnel delivery",
					zap.Int("attempts_left", tunnelAttempts-attempt))
			}
			tunnelHdr.Put(datagram)
			if _, err := busStation.Conn.WriteToUDP(datagram, tunnelStation.RemoteAddr); err != nil {
				br.log.Error("error occurred during tunnel send", zap.Error(err))
				br.stats.TxErrorCount++
			}
			if br.waitTunnelAck(br.seq) {
				delivered = true
				break
			}
		}
		if !delivered {
			br.log.Warn("retries exhausted, no response from tunnel station",
				zap.String("remote", tunnelStation.RemoteAddr.String()))
			br.stats.TxAbortCount++
		}
	}
}

// nextPacket receives from the bus queue, handling the shutdown sentinel.
// A zero timeout blocks forever. ok is false once the shutdown marker has
// been seen.
func (br *Bridge) nextPacket(timeout time.Duration) (pkt bus.Packet, ok, timedOut bool) {
	if timeout == 0 {
		pkt = <-br.engine.Packets()
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case pkt = <-br.engine.Packets():
		case <-timer.C:
			return bus.Packet{}, true, true
		}
	}
	if pkt.Type == bus.PacketShutdown {
		br.log.Info("bus receive shutdown")
		return pkt, false, false
	}
	return pkt, true, false
}

// waitTunnelAck waits for the acknowledgement matching seq. Out-of-sequence
// entries are tolerated up to a small budget.
func (br *Bridge) waitTunnelAck(seq uint32) bool {
	for i := 0; i < ackMismatchBudget; i++ {
		select {
		case ack := <-br.ackQueue:
			if ack.Seq == seq {
				return true
			}
			br.log.Warn("ignoring out-of-sequence ack",
				zap.Uint32("got", ack.Seq), zap.Uint32("want", seq))
		case <-time.After(ackTunnelTimeout):
			return false
		}
	}
	br.log.Warn("too many out-of-sequence acks")
	return false
}
