// Command vblkd is a vhost-user backend for a paravirtualized virtio-blk
// device: it serves a single backing file over a unix control socket,
// processing I/O from a single-threaded epoll event loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vhost-blk/vblkd/blk"
	"github.com/vhost-blk/vblkd/evloop"
	"github.com/vhost-blk/vblkd/internal/metrics"
	"github.com/vhost-blk/vblkd/vhostuser"
)

const sectorSize = 512

func main() {
	os.Exit(run())
}

func run() int {
	socketPath := flag.String("socket", "", "path to the vhost-user control socket")
	filePath := flag.String("file", "", "path to the backing image file")
	numQueues := flag.Int("queues", 1, "number of virtqueues to expose")
	metricsAddr := flag.String("metrics-addr", ":9100", "address for the Prometheus metrics endpoint")
	deviceID := flag.String("id", "vblkd0", "virtio-blk device id reported for GET_ID")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *socketPath == "" || *filePath == "" {
		logger.Error("missing required flags, usage: vblkd -socket PATH -file PATH")
		return 1
	}

	f, err := os.OpenFile(*filePath, os.O_RDWR, 0)
	if err != nil {
		logger.Error("open backing file", slog.String("error", err.Error()))
		return 1
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		logger.Error("stat backing file", slog.String("error", err.Error()))
		return 1
	}
	totalSectors := uint64(fi.Size()) / sectorSize

	loop, err := evloop.New()
	if err != nil {
		logger.Error("create event loop", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	decoder := blk.NewDecoder(&blk.Device{TotalSectors: totalSectors, ID: *deviceID})
	backend := &diskBackend{file: f, metrics: collector}

	var vdev *vhostuser.Device
	vdev = vhostuser.NewDevice(*numQueues, vhostuser.BlockConfig{Capacity: totalSectors, BlockSize: sectorSize}, loop, func(index int) error {
		return backend.drain(vdev, decoder, index)
	})

	srv, err := vhostuser.Listen(*socketPath, vdev, loop)
	if err != nil {
		logger.Error("listen", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		hsrv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			<-gCtx.Done()
			hsrv.Close()
		}()

		logger.Info("metrics server listening", slog.String("addr", *metricsAddr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		done := make(chan error, 1)
		go func() { done <- loop.Run() }()

		logger.Info("vhost-user socket listening", slog.String("path", *socketPath))
		select {
		case <-gCtx.Done():
			srv.Close()
			loop.Close()
			<-done
			return nil
		case err := <-done:
			return fmt.Errorf("event loop: %w", err)
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("vblkd exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("vblkd stopped")
	return 0
}

// diskBackend executes decoded virtio-blk requests against the backing
// file and tracks them in metrics.
type diskBackend struct {
	file    *os.File
	metrics *metrics.Collector
}

// drain is the Device's KickHandler: it decodes and completes every request
// currently available on vring index, then notifies the guest once.
func (b *diskBackend) drain(vdev *vhostuser.Device, decoder *blk.Decoder, index int) error {
	vq := vdev.Virtqueue(index)

	any := false
	for {
		req, ok := decoder.Next(vq)
		if !ok {
			break
		}
		any = true
		if req == nil {
			continue // malformed chain, dropped by the decoder
		}
		req.Complete(b.execute(req))
	}

	if vq.IsBroken() {
		return fmt.Errorf("vhost-user: vring %d: virtqueue broken by guest", index)
	}
	if !any {
		return nil
	}
	return vdev.Notify(index)
}

func (b *diskBackend) execute(req *blk.Request) uint8 {
	typeName, status := b.doExecute(req)
	b.metrics.ObserveRequest(typeName)
	if status != blk.StatusOK {
		b.metrics.ObserveError(typeName)
	}
	return status
}

func (b *diskBackend) doExecute(req *blk.Request) (string, uint8) {
	switch req.Type {
	case blk.TypeIn:
		return "in", b.readVecs(req)
	case blk.TypeOut:
		return "out", b.writeVecs(req)
	case blk.TypeFlush:
		if err := b.file.Sync(); err != nil {
			return "flush", blk.StatusIOErr
		}
		return "flush", blk.StatusOK
	case blk.TypeGetID:
		return "get_id", blk.StatusOK
	default:
		return "unknown", blk.StatusIOErr
	}
}

func (b *diskBackend) readVecs(req *blk.Request) uint8 {
	off := int64(req.Sector) * sectorSize
	for _, v := range req.Vecs {
		n, err := b.file.ReadAt(v.Ptr, off)
		b.metrics.AddBytesRead(n)
		if err != nil {
			return blk.StatusIOErr
		}
		off += int64(n)
	}
	return blk.StatusOK
}

func (b *diskBackend) writeVecs(req *blk.Request) uint8 {
	off := int64(req.Sector) * sectorSize
	for _, v := range req.Vecs {
		n, err := b.file.WriteAt(v.Ptr, off)
		b.metrics.AddBytesWritten(n)
		if err != nil {
			return blk.StatusIOErr
		}
		off += int64(n)
	}
	return blk.StatusOK
}
