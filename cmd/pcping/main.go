// Command pcping probes a PCP servent: it performs the minimal
// magic+helo exchange and prints the remote session id.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pcpgo/pcpcast/internal/conn"
	"github.com/pcpgo/pcpcast/internal/gnuid"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "probe timeout")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: pcping [-timeout 5s] host:port\n")
		os.Exit(2)
	}
	target := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	hs := conn.NewHandshaker(gnuid.New(), "pcping/0.1")
	sid, err := hs.Ping(ctx, target)
	if err != nil {
		log.Fatalf("pcping: %s unreachable: %v", target, err)
	}
	fmt.Printf("%s session=%s\n", target, sid)
}
