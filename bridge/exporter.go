package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"busbridge/bus"
)

type statInfo struct {
	description *prometheus.Desc
	supplier    func() float64
}

// StatsCollector exposes the bus and bridge counters as prometheus
// metrics. Counter reads are racy by design.
type StatsCollector struct {
	infos []statInfo
}

// NewStatsCollector builds a collector over counter snapshot functions so
// it can outlive reconfigurations of either side.
func NewStatsCollector(busStats func() bus.Stats, bridgeStats func() Stats) *StatsCollector {
	c := &StatsCollector{}
	add := func(name, help string, supplier func() float64) {
		c.infos = append(c.infos, statInfo{
			description: prometheus.NewDesc(name, help, nil, nil),
			supplier:    supplier,
		})
	}

	add("busbridge_bus_rx_frames_total", "Valid frames assembled from the bus",
		func() float64 { return float64(busStats().RxFrameCount) })
	add("busbridge_bus_rx_crc_fail_total", "Frames dropped for bad CRC",
		func() float64 { return float64(busStats().RxCRCFailCount) })
	add("busbridge_bus_rx_short_frames_total", "Frames dropped as too short",
		func() float64 { return float64(busStats().RxShortFrameCount) })
	add("busbridge_bus_rx_aborts_total", "Aborted frames observed on the bus",
		func() float64 { return float64(busStats().RxAbortCount) })
	add("busbridge_bus_rx_oversize_total", "Frames abandoned at the MTU",
		func() float64 { return float64(busStats().RxOversizeCount) })
	add("busbridge_bus_rx_acks_total", "Bare acknowledgements observed",
		func() float64 { return float64(busStats().RxAckCount) })
	add("busbridge_bus_rx_ignored_total", "Frames addressed to other stations",
		func() float64 { return float64(busStats().RxIgnoredCount) })
	add("busbridge_bus_rx_errors_total", "Frames dropped with the receive queue full",
		func() float64 { return float64(busStats().RxErrorCount) })
	add("busbridge_bus_rx_nacks_total", "Failed bus handshakes",
		func() float64 { return float64(busStats().RxNackCount) })
	add("busbridge_bus_tx_frames_total", "Frames originated on the bus",
		func() float64 { return float64(busStats().TxFrameCount) })
	add("busbridge_bus_tx_acks_total", "Acknowledgements emitted on the bus",
		func() float64 { return float64(busStats().TxAckCount) })

	add("busbridge_tunnel_tx_total", "Transactions forwarded to the tunnel",
		func() float64 { return float64(bridgeStats().TxCount) })
	add("busbridge_tunnel_tx_retries_total", "Tunnel delivery retries",
		func() float64 { return float64(bridgeStats().TxRetryCount) })
	add("busbridge_tunnel_tx_aborts_total", "Tunnel deliveries dropped after the retry budget",
		func() float64 { return float64(bridgeStats().TxAbortCount) })
	add("busbridge_tunnel_tx_errors_total", "Tunnel socket send errors",
		func() float64 { return float64(bridgeStats().TxErrorCount) })
	add("busbridge_tunnel_tx_acks_total", "ACK replies sent on the tunnel",
		func() float64 { return float64(bridgeStats().TxAckCount) })
	add("busbridge_tunnel_tx_nacks_total", "NACK replies sent on the tunnel",
		func() float64 { return float64(bridgeStats().TxNackCount) })
	add("busbridge_tunnel_rx_imm_total", "Immediate operations received",
		func() float64 { return float64(bridgeStats().RxImmCount) })
	add("busbridge_tunnel_rx_data_total", "DATA datagrams received",
		func() float64 { return float64(bridgeStats().RxDataCount) })
	add("busbridge_tunnel_rx_acks_total", "ACK datagrams received",
		func() float64 { return float64(bridgeStats().RxAckCount) })
	add("busbridge_tunnel_rx_nacks_total", "NACK datagrams received",
		func() float64 { return float64(bridgeStats().RxNackCount) })
	add("busbridge_tunnel_rx_unknown_total", "Datagrams of unknown type",
		func() float64 { return float64(bridgeStats().RxUnknownCount) })
	add("busbridge_tunnel_rx_no_station_total", "Datagrams from unconfigured stations",
		func() float64 { return float64(bridgeStats().RxNoStationCount) })
	add("busbridge_tunnel_tx_no_station_total", "Bus frames for unconfigured stations",
		func() float64 { return float64(bridgeStats().TxNoStationCount) })

	return c
}

func (c *StatsCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *StatsCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, info := range c.infos {
		metrics <- prometheus.MustNewConstMetric(info.description,
			prometheus.CounterValue, info.supplier())
	}
}
