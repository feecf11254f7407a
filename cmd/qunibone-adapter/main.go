// Command qunibone-adapter is the composition root: it opens the
// mailbox shared-memory region, assembles the bus facade, and runs the
// event loop until interrupted.
//
// Use of this source code is governed by the license that can be found
// in the LICENSE file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/usbarmory/qunibone-adapter/bus"
	"github.com/usbarmory/qunibone-adapter/mailbox"
)

func main() {
	var (
		mailboxPath = flag.String("mailbox", "/dev/shm/qunibone-mailbox", "path to the mailbox shared-memory region")
		width       = flag.Int("width", 18, "bus address width: 16, 18, or 22")
		ioPageSize  = flag.Uint("iopage-size", 8192, "I/O page size in bytes")
		debugAddr   = flag.String("debug-addr", "", "address for the optional debug introspection server (empty disables it)")
	)
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	logger := log.Default()

	transport, err := mailbox.OpenMmapTransport(*mailboxPath)
	if err != nil {
		log.Fatalf("qunibone-adapter: %v", err)
	}
	defer transport.Close()

	b := bus.New(transport, bus.Config{
		Width:      bus.Width(*width),
		IOPageSize: uint32(*ioPageSize),
		DebugAddr:  *debugAddr,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("qunibone-adapter: running, mailbox=%s width=%d", *mailboxPath, *width)
	if err := b.Run(ctx); err != nil {
		log.Fatalf("qunibone-adapter: %v", err)
	}
}
