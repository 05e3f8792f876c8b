// Package mmcsd implements an MMC/SD card controller on top of any SDIO
// interface, either a native SDIO host or the sdiospi bridge.
//
// [New] runs the identification handshake: reset, interface condition,
// operating-condition negotiation with MMC fallback, capacity class, CID,
// relative address, CSD decode and, in native mode, selection, block
// length and bus width. High-capacity MMC cards report their size through
// the Extended CSD.
//
// The resulting [Card] is a byte-addressed block device implementing
// hal.Interface. Set hal.ParamPosition, then Read or Write whole blocks.
// Transfers are asynchronous: each interface completion advances the
// card through GetStatus, SelectCard, Transfer and Stop (native mode) or
// directly to Transfer (SPI mode). A failed transfer halts the card with
// CMD12 and reports pkg.ErrInterface. In blocking mode (the default) Read
// and Write return after completion; in zero-copy mode they return after
// queueing and the callback reports completion.
package mmcsd
