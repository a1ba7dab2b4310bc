// Command cryptofs-server holds the encrypted block array and the Merkle
// tree that anchors its integrity. It never sees plaintext or key material;
// every block it stores is an AEAD envelope a client produced.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/server"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/wire"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	root := flag.String("root", "./sv_root/", "Directory holding the server's data, aead, and tree files.")
	addr := flag.String("addr", fmt.Sprintf("0.0.0.0:%d", wire.DefaultPort), "Address to listen for client connections on.")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve metrics on. Disabled if empty.")
	flag.Parse()

	store, err := server.Open(*root, blk.Depth)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	m := &serverMetrics{}
	if *metricsAddr != "" {
		go metrics(*metricsAddr, m)
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *addr, err)
	}

	listener := server.NewListener(store, log.Default(), m)
	log.Printf("cryptofs-server listening on %s, root %s", *addr, *root)
	log.Fatal(listener.Serve(ln))
}
