// Command cryptofs-client mounts an encrypted block store as a local
// filesystem. It holds the session's key material, write-back caches, and
// the locally persisted top hash; the server it talks to never sees
// plaintext.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/blk"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/cache"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/facade"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/fsblock"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/transport"
	"github.com/INDA23PlusPlus/tombergm-ludviggl-cryptofs/wire"
)

// cacheLines is the per-kind line count; small and identical across the
// three caches, as nothing here favors one kind's working set over another.
const cacheLines = 4

// totalBlocks is the size of the block array the server was formatted
// with; a fresh store is only ever initialized at blk.Count blocks (see
// server.initStore), so the client's own `init` call must agree.
const totalBlocks = blk.Count

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	host := flag.String("host", "127.0.0.1", "Host (optionally host:port) the block server listens on.")
	root := flag.String("root", "./cl_root/", "Directory holding the client's persisted top hash.")
	pass := flag.String("pass", "", "Password the session key is derived from.")
	verbose := flag.Bool("v", false, "Enable debug logging.")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve metrics on. Disabled if empty.")
	flag.Parse()

	mountPath := "./cryptofs"
	if flag.NArg() > 0 {
		mountPath = flag.Arg(0)
	}

	addr := *host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(wire.DefaultPort))
	}

	client, isNew, err := transport.Dial(addr, blk.Depth, *pass, *root)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", addr, err)
	}

	m := cacheMetrics{}
	sb := cache.New(client, cacheLines, "superblock", m)
	dir := cache.New(client, cacheLines, "directory", m)
	data := cache.New(client, cacheLines, "data", m)

	bfs := fsblock.New(sb, dir, data)
	if isNew {
		log.Println("first connection to this server root, formatting filesystem")
		if err := bfs.Init(totalBlocks); err != nil {
			log.Fatalf("failed to initialize filesystem: %v", err)
		}
	}

	fs, err := facade.New(bfs, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize FUSE binding: %v", err)
	}
	server := fuseutil.NewFileSystemServer(fs)

	fullMountPath, err := filepath.Abs(mountPath)
	if err != nil {
		log.Fatalf("failed to resolve mount path: %v", err)
	}
	volume := path.Base(fullMountPath)

	mountCfg := &fuse.MountConfig{
		FSName:      volume,
		ErrorLogger: log.New(os.Stderr, "fuse: ", log.Flags()),
		VolumeName:  volume,
		Subtype:     "cryptofs",
	}
	if *verbose {
		mountCfg.DebugLogger = log.New(os.Stderr, "fuse-debug: ", log.Flags())
	}

	mfs, err := fuse.Mount(fullMountPath, server, mountCfg)
	if err != nil {
		log.Fatalf("failed to mount: %v", err)
	}
	go handleInterrupt(mfs.Dir(), client)
	if *metricsAddr != "" {
		go metrics(*metricsAddr)
	}

	log.Println("filesystem successfully mounted")
	if err := mfs.Join(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func handleInterrupt(mountPoint string, client *transport.Client) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	for range signalChan {
		log.Println("received SIGINT, attempting to unmount")
		if err := fuse.Unmount(mountPoint); err != nil {
			log.Printf("failed to unmount: %v", err)
			continue
		}
		client.Close()
		log.Println("successfully unmounted")
		return
	}
}
