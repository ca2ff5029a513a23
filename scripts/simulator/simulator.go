// Simulator pushes sample device traffic at the TCP ingestion port using the
// text protocols, so a full stack can be exercised without hardware:
//
//	go run ./scripts/simulator
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:5023", "TCP ingestion address")
	interval := flag.Duration("interval", 2*time.Second, "delay between frames")
	flag.Parse()

	fmt.Printf("Connecting to %s...\n", *addr)

	// One connection per simulated unit, as real hardware behaves.
	go simulateTK103(*addr, *interval)
	go simulateGPS103(*addr, *interval)
	simulateH02(*addr, *interval)
}

func dial(addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure geotrackd is running:\n  go run ./cmd/geotrackd", err)
	}
	return conn
}

// simulateH02 sends V1 position sentences walking north through São Paulo.
func simulateH02(addr string, interval time.Duration) {
	conn := dial(addr)
	defer conn.Close()

	lat := 2333.0000 // ddmm.mmmm
	for i := 0; ; i++ {
		now := time.Now().UTC()
		sentence := fmt.Sprintf(
			"*HQ,135790246811220,V1,%s,A,%09.4f,S,04638.0000,W,020.00,090,%s,FFFFFBFF#",
			now.Format("150405"), lat, now.Format("020106"),
		)
		if _, err := conn.Write([]byte(sentence)); err != nil {
			log.Fatalf("h02 write failed: %v", err)
		}
		fmt.Printf("  → h02    %s\n", sentence)
		lat -= 0.01
		time.Sleep(interval)
	}
}

// simulateTK103 performs the BP00 handshake, reads the ack, then reports.
func simulateTK103(addr string, interval time.Duration) {
	conn := dial(addr)
	defer conn.Close()

	id := "013612345678"
	if _, err := conn.Write([]byte("(" + id + "BP00353451000164)")); err != nil {
		log.Fatalf("tk103 handshake failed: %v", err)
	}
	ack, err := bufio.NewReader(conn).ReadString(')')
	if err != nil {
		log.Fatalf("tk103 ack read failed: %v", err)
	}
	fmt.Printf("  ← tk103  %s\n", ack)

	for i := 0; ; i++ {
		now := time.Now().UTC()
		frame := fmt.Sprintf("(%sBR00%sA2234.0297N11354.3278E015.0%s309.62)",
			id, now.Format("060102"), now.Format("150405"))
		if _, err := conn.Write([]byte(frame)); err != nil {
			log.Fatalf("tk103 write failed: %v", err)
		}
		fmt.Printf("  → tk103  %s\n", frame)
		time.Sleep(interval)
	}
}

// simulateGPS103 logs on, reads the LOAD ack, then sends tracker reports.
func simulateGPS103(addr string, interval time.Duration) {
	conn := dial(addr)
	defer conn.Close()

	imei := "359586015829802"
	if _, err := conn.Write([]byte("##,imei:" + imei + ",A;")); err != nil {
		log.Fatalf("gps103 logon failed: %v", err)
	}
	ack := make([]byte, 8)
	n, err := conn.Read(ack)
	if err != nil {
		log.Fatalf("gps103 ack read failed: %v", err)
	}
	fmt.Printf("  ← gps103 %s\n", ack[:n])

	for i := 0; ; i++ {
		now := time.Now().UTC()
		frame := fmt.Sprintf(
			"imei:%s,tracker,%s,,F,%s.000,A,2234.4669,N,11354.3287,E,10.5,320.12;",
			imei, now.Format("0601021504"), now.Format("150405"),
		)
		if _, err := conn.Write([]byte(frame)); err != nil {
			log.Fatalf("gps103 write failed: %v", err)
		}
		fmt.Printf("  → gps103 %s\n", frame)
		time.Sleep(interval)
	}
}
