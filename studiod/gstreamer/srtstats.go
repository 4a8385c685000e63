package gstreamer

import (
	"errors"
	"net"
	"time"
)

// SRTSinkName is the srtsink of an output pipeline streaming over SRT.
const SRTSinkName = "srtsink_output"

const srtStatsMimetype = "application/x-srt-statistics"

var ErrNoSRTSink = errors.New("output does not stream over SRT")

// SRTStats is one reading of the stats property of srtsink:
//
//	application/x-srt-statistics, callers=(GValueArray)<
//	"application/x-srt-statistics\,\ packets-sent\=\(gint64\)134\,\ ...
//	caller-address\=\(GSocketAddress\)NULL\;" >, bytes-sent-total=(guint64)25192;
type SRTStats struct {
	Callers        []SRTCallerStats
	BytesSentTotal uint64

	Time time.Time
}

type SRTCallerStats struct {
	SendDurationUs  uint64
	SendRateMbps    float64
	ReceiveRateMbps float64
	BandwidthMbps   float64
	RTTMS           float64

	BytesSent          uint64
	BytesRetransmitted uint64
	BytesSentDropped   uint64
	BytesReceived      uint64
	BytesReceivedLost  uint64

	// gint64 in GStreamer, the other packet counters are gint
	PacketsSent          int64
	PacketsReceived      int64
	PacketsSentLost      int
	PacketsSentDropped   int
	PacketsRetransmitted int
	PacketAckReceived    int
	PacketNackReceived   int

	PacketsReceivedLost          int
	PacketsReceivedRetransmitted int
	PacketsReceivedDropped       int
	PacketAckSent                int
	PacketNackSent               int

	NegotiatedLatencyMS int

	Address net.IP
	Port    uint16
}
