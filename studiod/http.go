package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/TUM-Dev/streamstudio/studiod/gstreamer"
	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

type httpServer struct {
	daemonController
}

func writeHostMetrics(w io.Writer, m *metrics) {
	/* CPU */

	cpuTime := m.cpu.Time.UnixMilli()
	fmt.Fprintf(w, "# HELP linux_proc_user_total Time spent in user mode, in ticks\n")
	fmt.Fprintf(w, "# TYPE linux_proc_user_total counter\n")
	fmt.Fprintf(w, "linux_proc_user_total %d %d\n", m.cpu.User, cpuTime)

	fmt.Fprintf(w, "# HELP linux_proc_system_total Time spent in system mode, in ticks\n")
	fmt.Fprintf(w, "# TYPE linux_proc_system_total counter\n")
	fmt.Fprintf(w, "linux_proc_system_total %d %d\n", m.cpu.System, cpuTime)

	fmt.Fprintf(w, "# HELP linux_proc_iowait_total Time spent waiting for I/O to complete, in ticks\n")
	fmt.Fprintf(w, "# TYPE linux_proc_iowait_total counter\n")
	fmt.Fprintf(w, "linux_proc_iowait_total %d %d\n", m.cpu.Iowait, cpuTime)

	/* Memory */

	memTime := m.mem.Time.UnixMilli()
	fmt.Fprintf(w, "# HELP linux_mem_used_bytes Amount of memory used, in bytes\n")
	fmt.Fprintf(w, "# TYPE linux_mem_used_bytes gauge\n")
	fmt.Fprintf(w, "linux_mem_used_bytes %d %d\n", m.mem.MemUsed*1024, memTime)

	fmt.Fprintf(w, "# HELP linux_mem_free_bytes Amount of free memory, in bytes\n")
	fmt.Fprintf(w, "# TYPE linux_mem_free_bytes gauge\n")
	fmt.Fprintf(w, "linux_mem_free_bytes %d %d\n", m.mem.MemFree*1024, memTime)

	/* Load Average */

	loadAvgTime := m.loadAvg.Time.UnixMilli()
	fmt.Fprintf(w, "# HELP load_avg_one Load average over one minute\n")
	fmt.Fprintf(w, "# TYPE load_avg_one gauge\n")
	fmt.Fprintf(w, "load_avg_one %f %d\n", m.loadAvg.One, loadAvgTime)

	fmt.Fprintf(w, "# HELP load_avg_five Load average over five minutes\n")
	fmt.Fprintf(w, "# TYPE load_avg_five gauge\n")
	fmt.Fprintf(w, "load_avg_five %f %d\n", m.loadAvg.Five, loadAvgTime)
}

func writeSRTStatsMeta(w io.Writer) {
	fmt.Fprintln(w, "# HELP srt_callers Current number of subscribers to the SRT stream")
	fmt.Fprintln(w, "# TYPE srt_callers gauge")

	fmt.Fprintln(w, "# HELP srt_send_bytes_total Total bytes sent across all callers")
	fmt.Fprintln(w, "# TYPE srt_send_bytes_total counter")

	fmt.Fprintln(w, "# HELP srt_send_rate Send rate in Mbps")
	fmt.Fprintln(w, "# TYPE srt_send_rate gauge")

	fmt.Fprintln(w, "# HELP srt_bandwidth Bandwidth in Mbps")
	fmt.Fprintln(w, "# TYPE srt_bandwidth gauge")

	fmt.Fprintln(w, "# HELP srt_rtt_seconds RTT in s")
	fmt.Fprintln(w, "# TYPE srt_rtt_seconds gauge")

	fmt.Fprintln(w, "# HELP srt_negotiated_latency_seconds Negotiated latency in s")
	fmt.Fprintln(w, "# TYPE srt_negotiated_latency_seconds gauge")

	fmt.Fprintln(w, "# HELP srt_sent_bytes_total Total bytes sent")
	fmt.Fprintln(w, "# TYPE srt_sent_bytes_total counter")

	fmt.Fprintln(w, "# HELP srt_retransmitted_bytes_total Total bytes retransmitted")
	fmt.Fprintln(w, "# TYPE srt_retransmitted_bytes_total counter")

	fmt.Fprintln(w, "# HELP srt_packets_sent_total Total packets sent")
	fmt.Fprintln(w, "# TYPE srt_packets_sent_total counter")

	fmt.Fprintln(w, "# HELP srt_packets_sent_lost_total Total packets lost")
	fmt.Fprintln(w, "# TYPE srt_packets_sent_lost_total counter")

	fmt.Fprintln(w, "# HELP srt_packets_retransmitted_total Total packets retransmitted")
	fmt.Fprintln(w, "# TYPE srt_packets_retransmitted_total counter")
}

func writeSRTStats(w io.Writer, s *gstreamer.SRTStats, sink string) {
	srtTime := s.Time.UnixMilli()
	fmt.Fprintf(w, "srt_callers{sink=\"%s\"} %d %d\n", sink, len(s.Callers), srtTime)
	fmt.Fprintf(w, "srt_send_bytes_total{sink=\"%s\"} %d %d\n", sink, s.BytesSentTotal, srtTime)

	for _, c := range s.Callers {
		common := fmt.Sprintf("address=\"%s\", port=\"%d\", sink=\"%s\"", c.Address, c.Port, sink)
		fmt.Fprintf(w, "srt_send_rate{%s} %f %d\n", common, c.SendRateMbps, srtTime)
		fmt.Fprintf(w, "srt_bandwidth{%s} %f %d\n", common, c.BandwidthMbps, srtTime)
		fmt.Fprintf(w, "srt_rtt_seconds{%s} %f %d\n", common, c.RTTMS/1000, srtTime)
		fmt.Fprintf(w, "srt_negotiated_latency_seconds{%s} %f %d\n", common, float64(c.NegotiatedLatencyMS)/1000, srtTime)
		fmt.Fprintf(w, "srt_sent_bytes_total{%s} %d %d\n", common, c.BytesSent, srtTime)
		fmt.Fprintf(w, "srt_retransmitted_bytes_total{%s} %d %d\n", common, c.BytesRetransmitted, srtTime)
		fmt.Fprintf(w, "srt_packets_sent_total{%s} %d %d\n", common, c.PacketsSent, srtTime)
		fmt.Fprintf(w, "srt_packets_sent_lost_total{%s} %d %d\n", common, c.PacketsSentLost, srtTime)
		fmt.Fprintf(w, "srt_packets_retransmitted_total{%s} %d %d\n", common, c.PacketsRetransmitted, srtTime)
	}
}

func writeStudioMetrics(w io.Writer, m *metrics) {
	fmt.Fprintln(w, "# HELP studio_graph_nodes Number of nodes in the studio graph")
	fmt.Fprintln(w, "# TYPE studio_graph_nodes gauge")
	fmt.Fprintf(w, "studio_graph_nodes %d\n", m.studio.Nodes)

	fmt.Fprintln(w, "# HELP studio_graph_links Number of links in the studio graph")
	fmt.Fprintln(w, "# TYPE studio_graph_links gauge")
	fmt.Fprintf(w, "studio_graph_links %d\n", m.studio.Links)

	fmt.Fprintln(w, "# HELP studio_branches Number of source branches, the fallback included")
	fmt.Fprintln(w, "# TYPE studio_branches gauge")
	fmt.Fprintf(w, "studio_branches %d\n", m.studio.Branches)

	fmt.Fprintln(w, "# HELP studio_switches_total Number of program switches")
	fmt.Fprintln(w, "# TYPE studio_switches_total counter")
	fmt.Fprintf(w, "studio_switches_total %d\n", m.studio.Switches)

	fmt.Fprintln(w, "# HELP studio_errors_total Number of stream errors that removed a branch")
	fmt.Fprintln(w, "# TYPE studio_errors_total counter")
	fmt.Fprintf(w, "studio_errors_total %d\n", m.studio.Errors)

	fmt.Fprintln(w, "# HELP studio_warnings_total Number of warnings posted by graph nodes")
	fmt.Fprintln(w, "# TYPE studio_warnings_total counter")
	fmt.Fprintf(w, "studio_warnings_total %d\n", m.studio.Warnings)

	fmt.Fprintln(w, "# HELP studio_pipelines Number of running ad-hoc pipelines")
	fmt.Fprintln(w, "# TYPE studio_pipelines gauge")
	fmt.Fprintf(w, "studio_pipelines %d\n", m.pipelines)

	fmt.Fprintln(w, "# HELP studio_relayed_frames_total Frames pushed to the program output")
	fmt.Fprintln(w, "# TYPE studio_relayed_frames_total counter")
	fmt.Fprintf(w, "studio_relayed_frames_total %d\n", m.relayed)

	carousel := 0
	if m.carousel {
		carousel = 1
	}
	fmt.Fprintln(w, "# HELP studio_carousel Whether the program shows the black and white carousel")
	fmt.Fprintln(w, "# TYPE studio_carousel gauge")
	fmt.Fprintf(w, "studio_carousel %d\n", carousel)

	if len(m.branches) == 0 {
		return
	}
	fmt.Fprintln(w, "# HELP studio_monitor_frames_total Frames shown by the monitors of a branch")
	fmt.Fprintln(w, "# TYPE studio_monitor_frames_total counter")
	for _, b := range m.branches {
		fmt.Fprintf(w, "studio_monitor_frames_total{source=\"%s\", kind=\"%s\"} %d\n", b.Key, b.Kind, b.Rendered)
	}

	fmt.Fprintln(w, "# HELP studio_branch_active Whether the branch is on the program output")
	fmt.Fprintln(w, "# TYPE studio_branch_active gauge")
	for _, b := range m.branches {
		active := 0
		if b.Active {
			active = 1
		}
		fmt.Fprintf(w, "studio_branch_active{source=\"%s\"} %d\n", b.Key, active)
	}
}

// Minimalist prometheus exporter
func (h *httpServer) metrics(w http.ResponseWriter, r *http.Request) {
	m := h.metricsSnapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeHostMetrics(w, &m)
	writeStudioMetrics(w, &m)

	/* SRT Statistics */

	if m.srt != nil {
		writeSRTStatsMeta(w)
		writeSRTStats(w, m.srt, "program")
	}
}

func (h *httpServer) graph(w http.ResponseWriter, r *http.Request) {
	dot, err := h.daemonController.graph(r.URL.Query().Get("pipeline"))
	if errors.Is(err, studio.ErrUnknownPipeline) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.Write([]byte(dot))
}

func (h *httpServer) setupHTTPHandlers() {
	h.register(http.DefaultServeMux)
}

func (h *httpServer) register(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", h.metrics)
	mux.HandleFunc("/graph", h.graph)
}
