// Copyright 2023 The NS-Stack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stats exposes the stack's event counters as Prometheus metrics.
// Counters are registered on a private registry so importing the stack does
// not pollute the global one; Handler serves them when a front-end opts in.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func counter(name, help string) prometheus.Counter {
	return promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "nsstack",
		Name:      name,
		Help:      help,
	})
}

var (
	FramesSent     = counter("frames_sent_total", "Ethernet frames injected.")
	FramesReceived = counter("frames_received_total", "Ethernet frames captured.")
	FramesDropped  = counter("frames_dropped_total", "Inbound frames dropped by the dispatcher.")

	ARPRequestsSent = counter("arp_requests_sent_total", "ARP requests broadcast.")
	ARPRepliesSent  = counter("arp_replies_sent_total", "ARP replies emitted for local addresses.")
	ARPCacheHits    = counter("arp_cache_hits_total", "Queries answered from the ARP cache.")
	ARPTimeouts     = counter("arp_timeouts_total", "Queries that expired waiting for a reply.")

	DVUpdatesSent     = counter("dv_updates_sent_total", "Distance-vector advertisements broadcast.")
	DVUpdatesReceived = counter("dv_updates_received_total", "Distance-vector advertisements ingested.")

	IPPacketsSent      = counter("ip_packets_sent_total", "IPv4 packets originated locally.")
	IPPacketsForwarded = counter("ip_packets_forwarded_total", "IPv4 packets forwarded.")
	IPPacketsDelivered = counter("ip_packets_delivered_total", "IPv4 packets delivered to the transport layer.")
	IPPacketsDropped   = counter("ip_packets_dropped_total", "IPv4 packets dropped by validation, routing or TTL.")

	TCPSegmentsSent     = counter("tcp_segments_sent_total", "TCP segments emitted (including pure ACKs).")
	TCPSegmentsReceived = counter("tcp_segments_received_total", "TCP segments accepted by the ingress pipeline.")
	TCPRetransmissions  = counter("tcp_retransmissions_total", "TCP segments re-emitted by the retransmission timer.")
	TCPActiveOpens      = counter("tcp_active_opens_total", "Connections opened actively.")
	TCPPassiveOpens     = counter("tcp_passive_opens_total", "Connections opened by an inbound SYN.")
	TCPOrphansReaped    = counter("tcp_orphans_reaped_total", "Closed TCBs destroyed by the reaper.")
)

// Handler returns an http.Handler serving the stack's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
