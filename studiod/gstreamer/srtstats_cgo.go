//go:build cgo

package gstreamer

// #cgo pkg-config: glib-2.0 gio-2.0 gstreamer-1.0
// #include <stdlib.h>
// #include <glib-object.h>
// #include <gio/gio.h>
// #include <gst/gst.h>
import "C"

import (
	"errors"
	"fmt"
	"net"
	"time"
	"unsafe"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
)

// SRTStats reads the stats of the srtsink. Outputs without one return
// ErrNoSRTSink.
func (o *Output) SRTStats() (*SRTStats, error) {
	if o.srtsink == nil {
		return nil, ErrNoSRTSink
	}
	v, err := o.srtsink.GetProperty("stats")
	if err != nil {
		return nil, err
	}
	s, ok := v.(*gst.Structure)
	if !ok {
		return nil, fmt.Errorf("stats of %s is a %T", SRTSinkName, v)
	}
	return newSRTStatsFromStructure(s)
}

// valueTo stores the field name of s in dest.
func valueTo[T any](s *gst.Structure, name string, dest *T) error {
	obj, err := s.GetValue(name)
	if err != nil {
		return fmt.Errorf("failed to retrieve '%s': %w", name, err)
	}
	value, ok := obj.(T)
	if !ok {
		return fmt.Errorf("failed to cast value of '%s' to %T", name, *new(T))
	}
	*dest = value
	return nil
}

type field[T any] struct {
	dest *T
	name string
}

func valuesTo[T any](s *gst.Structure, fields []field[T]) error {
	for _, f := range fields {
		if err := valueTo(s, f.name, f.dest); err != nil {
			return err
		}
	}
	return nil
}

func newSRTStatsFromStructure(s *gst.Structure) (*SRTStats, error) {
	if name := s.Name(); name != srtStatsMimetype {
		return nil, fmt.Errorf("struct has wrong mimetype. Expected '%s' but got '%s'", srtStatsMimetype, name)
	}
	stats := &SRTStats{Time: time.Now()}
	if err := valueTo(s, "bytes-sent-total", &stats.BytesSentTotal); err != nil {
		return nil, err
	}

	var ptr unsafe.Pointer
	if err := valueTo(s, "callers", &ptr); err != nil {
		// no caller connected yet
		return stats, nil
	}
	arr, err := convertGValueArray(ptr)
	if err != nil {
		return nil, err
	}
	for idx, entry := range arr {
		gs, ok := entry.(*gst.Structure)
		if !ok {
			return nil, fmt.Errorf("failed to convert GstStructure at %d", idx)
		}
		c, err := newSRTCallerStats(gs)
		if err != nil {
			return nil, fmt.Errorf("caller %d: %w", idx, err)
		}
		stats.Callers = append(stats.Callers, *c)
	}
	return stats, nil
}

func newSRTCallerStats(gs *gst.Structure) (*SRTCallerStats, error) {
	if name := gs.Name(); name != srtStatsMimetype {
		return nil, fmt.Errorf("struct has wrong mimetype '%s'", name)
	}
	c := &SRTCallerStats{}

	addr, err := gs.GetValue("caller-address")
	if err != nil {
		return nil, err
	}
	if obj, ok := addr.(*glib.Object); ok {
		c.Address, c.Port, err = inetSocketAddressIP(obj.Unsafe())
		if err != nil {
			return nil, err
		}
	}

	if err := valuesTo(gs, []field[int]{
		{&c.PacketsSentLost, "packets-sent-lost"},
		{&c.PacketsSentDropped, "packets-sent-dropped"},
		{&c.PacketsRetransmitted, "packets-retransmitted"},
		{&c.PacketAckReceived, "packet-ack-received"},
		{&c.PacketNackReceived, "packet-nack-received"},
		{&c.PacketsReceivedLost, "packets-received-lost"},
		{&c.PacketsReceivedRetransmitted, "packets-received-retransmitted"},
		{&c.PacketsReceivedDropped, "packets-received-dropped"},
		{&c.PacketAckSent, "packet-ack-sent"},
		{&c.PacketNackSent, "packet-nack-sent"},
		{&c.NegotiatedLatencyMS, "negotiated-latency-ms"},
	}); err != nil {
		return nil, err
	}
	if err := valuesTo(gs, []field[uint64]{
		{&c.SendDurationUs, "send-duration-us"},
		{&c.BytesSent, "bytes-sent"},
		{&c.BytesRetransmitted, "bytes-retransmitted"},
		{&c.BytesSentDropped, "bytes-sent-dropped"},
		{&c.BytesReceived, "bytes-received"},
		{&c.BytesReceivedLost, "bytes-received-lost"},
	}); err != nil {
		return nil, err
	}
	if err := valuesTo(gs, []field[int64]{
		{&c.PacketsSent, "packets-sent"},
		{&c.PacketsReceived, "packets-received"},
	}); err != nil {
		return nil, err
	}
	if err := valuesTo(gs, []field[float64]{
		{&c.SendRateMbps, "send-rate-mbps"},
		{&c.ReceiveRateMbps, "receive-rate-mbps"},
		{&c.BandwidthMbps, "bandwidth-mbps"},
		{&c.RTTMS, "rtt-ms"},
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// GValueArray has no binding in go-glib.
func convertGValueArray(ptr unsafe.Pointer) ([]interface{}, error) {
	valueArray := (*C.GValueArray)(ptr)
	cSlice := unsafe.Slice(valueArray.values, int(valueArray.n_values))

	goSlice := make([]interface{}, len(cSlice))
	var err error
	for i := range cSlice {
		goSlice[i], err = glib.ValueFromNative(unsafe.Pointer(&cSlice[i])).GoValue()
		if err != nil {
			return nil, err
		}
	}
	return goSlice, nil
}

func inetSocketAddressIP(ptr unsafe.Pointer) (net.IP, uint16, error) {
	if C.g_type_check_instance_is_a((*C.GTypeInstance)(ptr), C.g_inet_socket_address_get_type()) == 0 {
		return nil, 0, errors.New("caller-address is not a GInetSocketAddress")
	}
	sockAddr := (*C.GInetSocketAddress)(ptr)
	port := uint16(C.g_inet_socket_address_get_port(sockAddr))

	inetAddr := C.g_inet_socket_address_get_address(sockAddr)
	if inetAddr == nil {
		return nil, 0, errors.New("failed to retrieve address from InetSocketAddress instance")
	}
	// Transfer: FULL
	rawAddr := C.g_inet_address_to_string(inetAddr)
	if rawAddr == nil {
		return nil, 0, errors.New("failed to convert GInetAddress to string")
	}
	defer C.free(unsafe.Pointer(rawAddr))

	ip := net.ParseIP(C.GoString(rawAddr))
	if ip == nil {
		return nil, 0, errors.New("failed to parse ip")
	}
	return ip, port, nil
}
