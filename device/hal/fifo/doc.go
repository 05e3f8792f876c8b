// Package fifo implements a device HAL over named pipes (FIFOs).
//
// It lets a host-side simulator and the mass storage datapath exchange
// control and bulk traffic through the filesystem, so the class driver can
// be exercised without a USB controller.
//
// Each device instance creates a unique subdirectory under a shared bus
// directory:
//
//	/tmp/usb-bus/                    # Bus directory (shared with host)
//	└── device-{uuid}/               # Device subdirectory (unique per device)
//	    ├── connection               # Connection signaling (device → host)
//	    ├── host_to_device           # Control transfers from host (SETUP)
//	    ├── device_to_host           # Control transfer responses to host
//	    ├── ep1_in, ep1_out          # Endpoint 1 data FIFOs
//	    └── ...                      # (up to ep15_in/ep15_out)
//
// Every message on a pipe is framed as [type, length_lo, length_hi,
// payload...]. A halted IN endpoint emits one STALL message; transfers on
// a halted endpoint wait until ClearStall, mirroring the host's
// CLEAR_FEATURE(ENDPOINT_HALT) recovery.
//
// # Usage
//
//	dev := fifo.New("/tmp/usb-bus")
//	if err := dev.Init(ctx); err != nil {
//	    return err
//	}
//	defer dev.Stop()
//
//	dp := msc.NewEndpointDatapath(msc.DatapathConfig{HAL: dev, In: 0x81, Out: 0x01})
//	drv, _ := msc.New(msc.Config{Datapath: dp, Units: units})
//	go dp.Run(ctx)
//	go msc.ServeControl(ctx, dev, drv)
//	drv.Start()
//	dev.Start()
package fifo
