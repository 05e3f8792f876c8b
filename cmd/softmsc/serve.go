package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/device/hal/fifo"
	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/metrics"
	"github.com/ardnew/softmsc/sdio"
)

// Bulk endpoint addresses of the mass storage interface.
const (
	bulkIn  = 0x81
	bulkOut = 0x01
)

func runServe(ctx context.Context, args []string) error {
	fs, config := newFlagSet("serve")
	bus := fs.String("bus", "", "FIFO bus directory shared with the host")
	listen := fs.String("metrics", "", "serve prometheus metrics on this address")
	bufferSize := fs.Int("buffer", msc.DefaultBufferSize, "staging buffer size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bus == "" {
		return fmt.Errorf("-bus is required: %w", pkg.ErrValue)
	}
	if *bufferSize > crcBlocks*sdio.BlockSize {
		return fmt.Errorf("-buffer %d exceeds %d: %w", *bufferSize, crcBlocks*sdio.BlockSize, pkg.ErrValue)
	}

	cfg, err := LoadConfig(*config)
	if err != nil {
		return err
	}
	units, err := OpenUnits(cfg)
	if err != nil {
		return err
	}
	defer CloseUnits(units)

	dev := fifo.New(*bus)
	if err := dev.Init(ctx); err != nil {
		return fmt.Errorf("fifo init: %w", err)
	}
	defer dev.Stop()

	dp := msc.NewEndpointDatapath(msc.DatapathConfig{HAL: dev, In: bulkIn, Out: bulkOut})
	ifaces := make([]hal.Interface, len(units))
	for lun, u := range units {
		ifaces[lun] = u
	}
	drv, err := msc.New(msc.Config{
		Datapath:   dp,
		Units:      ifaces,
		BufferSize: *bufferSize,
		Vendor:     cfg.Vendor,
		Product:    cfg.Product,
		Revision:   cfg.Revision,
		Removable:  true,
		OnEvent:    logEvent,
	})
	if err != nil {
		return err
	}
	defer drv.Close()

	// The first receive is queued before the datapath runs.
	if err := drv.Start(); err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dp.Run(ctx) })
	g.Go(func() error { return msc.ServeControl(ctx, dev, drv) })
	if *listen != "" {
		g.Go(func() error { return serveMetrics(ctx, *listen) })
	}
	pkg.LogInfo(component, "serving", "units", len(units), "deviceDir", dev.DeviceDir(), "uuid", dev.UUID())

	return g.Wait()
}

func logEvent(ev msc.Event) {
	switch ev.Kind {
	case msc.EventError:
		pkg.LogWarn(component, "transfer failed", "lun", ev.LUN, "error", ev.Err)
	default:
		pkg.LogInfo(component, "medium removal", "lun", ev.LUN, "event", ev.Kind)
	}
}

// serveMetrics serves the stack registry until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	pkg.LogInfo(component, "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
