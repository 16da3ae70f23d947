package bridge

import (
	"go.uber.org/zap"

	"busbridge/bus"
	"busbridge/protocol"
)

// The tunnel-to-bus pipeline: classify inbound datagrams, suppress
// duplicates, deliver DATA through the bus engine and answer on the tunnel.

func (br *Bridge) deliverTask() {
	defer close(br.deliverDone)
	for {
		select {
		case in := <-br.datagrams:
			br.processDatagram(in)
		case <-br.ctl:
			br.log.Info("tunnel receive shutdown")
			return
		}
	}
}

func (br *Bridge) processDatagram(in inboundDatagram) {
	hdr, err := protocol.ParseTunnelHeader(in.data)
	if err != nil {
		br.stats.RxUnknownCount++
		return
	}

	switch hdr.Type {
	case protocol.TunnelTypeImm:
		br.stats.RxImmCount++
	case protocol.TunnelTypeData:
		br.stats.RxDataCount++
	case protocol.TunnelTypeAck:
		br.stats.RxAckCount++
		br.pushAck(hdr)
		return
	case protocol.TunnelTypeNack:
		br.stats.RxNackCount++
		br.pushAck(hdr)
		return
	default:
		br.log.Warn("received tunnel datagram of unknown type, ignored",
			zap.Uint8("type", hdr.Type))
		br.stats.RxUnknownCount++
		return
	}

	// Look up the sending tunnel station
	station := br.tunnelStationByPort(uint16(in.src.Port))
	if station == nil {
		br.log.Warn("received tunnel datagram but can't identify station, ignored",
			zap.String("from", in.src.String()))
		br.stats.RxNoStationCount++
		return
	}

	if hdr.Type == protocol.TunnelTypeImm {
		br.processImm(in, station, hdr)
		return
	}

	// Change the tunnel header to bus frame form in place: the address
	// header plus control/port land on bytes 2..7 and the body follows.
	in.data[2] = in.station.StationID
	in.data[3] = 0
	in.data[4] = station.StationID
	in.data[5] = 0
	in.data[6] = hdr.Control | 0x80
	in.data[7] = hdr.Port

	// Deliver, unless the station resent a frame we already acknowledged
	// (its copy of our ACK was lost).
	if hdr.Seq != station.LastAckedSeq || station.LastResult != bus.ResultAck {
		br.log.Info("delivering frame to bus",
			zap.Uint32("seq", hdr.Seq),
			zap.Int("length", len(in.data)),
			zap.Uint8("src_stn", station.StationID),
			zap.Uint8("dst_stn", in.station.StationID))
		station.LastResult = br.engine.Send(in.data[2:])
		station.LastAckedSeq = hdr.Seq
	} else {
		br.log.Info("re-acknowledging duplicate",
			zap.Uint32("seq", hdr.Seq),
			zap.String("bus_result", station.LastResult.String()))
	}

	// Answer on the tunnel
	reply := hdr
	if station.LastResult == bus.ResultAck {
		reply.Type = protocol.TunnelTypeAck
		br.stats.TxAckCount++
	} else {
		reply.Type = protocol.TunnelTypeNack
		br.stats.TxNackCount++
	}
	var out [protocol.TunnelHeaderSize]byte
	reply.Put(out[:])
	if _, err := in.station.Conn.WriteToUDP(out[:], station.RemoteAddr); err != nil {
		br.log.Error("tunnel reply failed", zap.Error(err))
		br.stats.TxErrorCount++
	}
}

// processImm answers the reachability probe. Other immediate operations are
// not forwarded.
func (br *Bridge) processImm(in inboundDatagram, station *TunnelStation, hdr protocol.TunnelHeader) {
	if hdr.Port != 0 || hdr.Control != protocol.MachineTypeControl {
		br.log.Warn("ignored unsupported immediate operation",
			zap.Uint8("port", hdr.Port),
			zap.Uint8("control", hdr.Control))
		return
	}

	reply := hdr
	reply.Type = protocol.TunnelTypeImmReply
	var out [protocol.ImmReplySize]byte
	reply.Put(out[:])
	if len(in.data) > protocol.TunnelHeaderSize {
		copy(out[protocol.TunnelHeaderSize:], in.data[protocol.TunnelHeaderSize:])
	}
	if _, err := in.station.Conn.WriteToUDP(out[:], station.RemoteAddr); err != nil {
		br.log.Error("tunnel probe reply failed", zap.Error(err))
		br.stats.TxErrorCount++
		return
	}
	br.log.Info("responded to reachability probe without forwarding")
}

// pushAck hands an acknowledgement to the bus-to-tunnel task. Dropping when
// the queue is full is fine; the sender retries.
func (br *Bridge) pushAck(hdr protocol.TunnelHeader) {
	select {
	case br.ackQueue <- hdr:
	default:
	}
}
