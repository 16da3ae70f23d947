package bridge

import (
	"fmt"
	"net"

	"busbridge/bus"
	"busbridge/config"
)

const (
	busStationSlots    = 5
	tunnelStationSlots = 20
)

// BusStation is a local identity on the bus with its bound tunnel socket.
// A zero StationID marks a free slot.
type BusStation struct {
	StationID byte
	NetworkID byte
	LocalPort uint16
	Conn      *net.UDPConn
	IsOpen    bool
}

// TunnelStation is a remote peer reachable over the tunnel. LastAckedSeq
// and LastResult drive duplicate suppression: a resent datagram whose
// sequence matches an already-acknowledged delivery is re-ACKed without
// touching the bus.
type TunnelStation struct {
	RemoteAddr   *net.UDPAddr
	StationID    byte
	NetworkID    byte
	UDPPort      uint16
	LastAckedSeq uint32
	LastResult   bus.Result
}

func (br *Bridge) busStationByID(id byte) *BusStation {
	for i := range br.busStations {
		if br.busStations[i].StationID == id {
			return &br.busStations[i]
		}
	}
	return nil
}

func (br *Bridge) tunnelStationByID(id byte) *TunnelStation {
	for i := range br.tunnelStations {
		if br.tunnelStations[i].StationID == id {
			return &br.tunnelStations[i]
		}
	}
	return nil
}

func (br *Bridge) tunnelStationByPort(port uint16) *TunnelStation {
	for i := range br.tunnelStations {
		if br.tunnelStations[i].UDPPort == port {
			return &br.tunnelStations[i]
		}
	}
	return nil
}

// openBusStation binds a UDP socket for one bus station. Called with the
// pipelines quiesced.
func (br *Bridge) openBusStation(cfg config.BusStationConfig) error {
	var station *BusStation
	for i := range br.busStations {
		if !br.busStations[i].IsOpen {
			station = &br.busStations[i]
			break
		}
	}
	if station == nil {
		return fmt.Errorf("failed to add bus station %d: no free slots", cfg.StationID)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.UDPPort)})
	if err != nil {
		return fmt.Errorf("failed to add bus station %d: %w", cfg.StationID, err)
	}

	station.StationID = cfg.StationID
	station.NetworkID = 0
	station.LocalPort = cfg.UDPPort
	station.Conn = conn
	station.IsOpen = true
	return nil
}

// addTunnelStation registers a remote tunnel peer. Called with the
// pipelines quiesced.
func (br *Bridge) addTunnelStation(cfg config.TunnelStationConfig) error {
	var station *TunnelStation
	for i := range br.tunnelStations {
		if br.tunnelStations[i].StationID == 0 {
			station = &br.tunnelStations[i]
			break
		}
	}
	if station == nil {
		return fmt.Errorf("failed to add tunnel station %d: no free slots", cfg.StationID)
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.RemoteIP, cfg.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to add tunnel station %d: %w", cfg.StationID, err)
	}

	station.RemoteAddr = addr
	station.StationID = cfg.StationID
	station.NetworkID = cfg.NetworkID
	station.UDPPort = cfg.UDPPort
	// Never mistake the first datagram for a duplicate.
	station.LastAckedSeq = ^uint32(0)
	station.LastResult = bus.ResultNack
	return nil
}
