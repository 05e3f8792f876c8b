// Package msc implements the USB Mass Storage Class (MSC) device driver
// using the Bulk-Only Transport (BOT) protocol and the SCSI transparent
// command set.
//
// # Architecture
//
// The driver is split in three parts:
//
//   - MSC, the command processor. It is an event-driven state machine
//     that parses Command Block Wrappers, executes SCSI commands against
//     the logical units and frames Command Status Wrappers.
//   - Datapath, the transport. It moves CBWs, response data, block data
//     and CSWs over the bulk endpoints and reports completion through a
//     callback. EndpointDatapath implements it over a device HAL.
//   - Logical units, which are plain hal.Interface block devices: an
//     mmcsd.Card, a FileStorage image or a MemoryStorage RAM disk.
//
// ServeControl handles the control endpoint: the Bulk-Only Mass Storage
// Reset, Get Max LUN and the endpoint halt recovery that follows a
// stalled transfer.
//
// # Bulk-Only Transport
//
// Every command has three phases:
//
//  1. Command: the host sends a 31-byte CBW.
//  2. Data: up to dCBWDataTransferLength bytes move in the direction the
//     CBW declares.
//  3. Status: the device sends a 13-byte CSW carrying the residue, the
//     difference between the declared and the transferred length.
//
// When less data than declared is transferred, or a response is cut to
// the length the host asked for, the data endpoint is stalled before the
// CSW. A CBW that is not meaningful, or a command whose data direction
// contradicts the CBW, ends in a phase error: both bulk endpoints stay
// halted until the host issues a reset.
//
// # SCSI Command Support
//
//   - TEST UNIT READY, REQUEST SENSE, INQUIRY
//   - MODE SENSE (6/10), PREVENT/ALLOW MEDIUM REMOVAL, START STOP UNIT
//   - READ FORMAT CAPACITIES, READ CAPACITY (10/16)
//   - READ and WRITE (6/10/12/16), VERIFY (10), SYNCHRONIZE CACHE (10)
//
// Failed commands record sense data on the addressed unit until the next
// REQUEST SENSE.
//
// # Usage Example
//
//	disk := msc.NewMemoryStorage(16<<20, 512)
//
//	dp := msc.NewEndpointDatapath(msc.DatapathConfig{HAL: dev, In: 0x81, Out: 0x01})
//	drv, err := msc.New(msc.Config{
//		Datapath: dp,
//		Units:    []hal.Interface{disk},
//		Vendor:   "softmsc",
//		Product:  "RAM disk",
//		Revision: "1.0",
//	})
//	if err != nil {
//		return err
//	}
//
//	go dp.Run(ctx)
//	go msc.ServeControl(ctx, dev, drv)
//	drv.Start()
package msc
