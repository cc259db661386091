// command aodvd runs an AODVv2 router on a UDP socket and exports
// Prometheus counters for its traffic.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tagmesh.net/aodvv2"
	"tagmesh.net/rfc5444"
)

var (
	localFlag   = flag.String("local", "", "local address with prefix length, e.g. fe80::1/64")
	ifaceFlag   = flag.String("interface", "", "network interface used as the zone of outgoing IPv6 destinations")
	metricsAddr = flag.String("metrics", ":9269", "Prometheus metrics listen address (empty to disable)")
	neighborsF  = flag.String("neighbors", "", "comma-separated list of known bidirectional neighbors")
)

var (
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodvd_messages_received_total",
		Help: "Datagrams received on the MANET port, by message type.",
	}, []string{"type"})
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aodvd_messages_sent_total",
		Help: "Messages emitted by the router, by message type.",
	}, []string{"type"})
	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aodvd_send_errors_total",
		Help: "Transmit failures.",
	})
)

// udpSender transmits router messages over the MANET port.
type udpSender struct {
	conn *net.UDPConn
	zone string
}

func (s *udpSender) SendTo(payload []byte, dst netip.Addr) error {
	if dst.Is6() && dst.Zone() == "" && s.zone != "" {
		dst = dst.WithZone(s.zone)
	}
	messagesSent.WithLabelValues(msgType(payload)).Inc()
	_, err := s.conn.WriteToUDPAddrPort(payload, netip.AddrPortFrom(dst, aodvv2.Port))
	if err != nil {
		sendErrors.Inc()
	}
	return err
}

// listNeighbors is a static stand-in for a lower-layer neighbor cache.
type listNeighbors map[netip.Addr]bool

func (n listNeighbors) Known(addr netip.Addr) bool {
	return n[addr.WithZone("")]
}

func msgType(payload []byte) string {
	if len(payload) == 0 {
		return "invalid"
	}
	switch rfc5444.MsgType(payload[0]) {
	case rfc5444.MsgRREQ, rfc5444.MsgRREP, rfc5444.MsgRERR:
		return rfc5444.MsgType(payload[0]).String()
	default:
		return "invalid"
	}
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aodvd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *localFlag == "" {
		return fmt.Errorf("-local is required")
	}
	local, err := netip.ParsePrefix(*localFlag)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: aodvv2.Port})
	if err != nil {
		return err
	}
	defer conn.Close()

	neighbors := listNeighbors{}
	if *neighborsF != "" {
		for _, s := range strings.Split(*neighborsF, ",") {
			addr, err := netip.ParseAddr(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("bad neighbor %q: %w", s, err)
			}
			neighbors[addr.WithZone("")] = true
		}
	}

	router := aodvv2.New(aodvv2.Config{
		LocalAddr: local,
		Sender:    &udpSender{conn: conn, zone: *ifaceFlag},
		Neighbors: neighbors,
	})
	go router.Run()
	defer router.Stop()

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(messagesReceived, messagesSent, sendErrors)
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	go func() {
		buf := make([]byte, rfc5444.MaxSize)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			messagesReceived.WithLabelValues(msgType(buf[:n])).Inc()
			payload := make([]byte, n)
			copy(payload, buf[:n])
			router.Deliver(payload, from.Addr().WithZone(""))
		}
	}()

	log.Printf("aodvd listening on port %d as %s", aodvv2.Port, local)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
