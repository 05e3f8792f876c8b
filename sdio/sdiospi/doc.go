// Package sdiospi implements an SDIO interface on top of an SPI bus.
//
// The [Engine] translates SDIO command words into the SD/MMC SPI protocol:
// command frames with CRC7, R1 token polling, start-of-data tokens, data
// blocks with CRC16 and busy polling after writes. It is a callback-driven
// state machine. Every SPI transfer is queued on the bus in zero-copy mode
// and the bus completion callback advances the engine to its next state.
// Exactly one command is in flight at a time.
//
// # Polling
//
// Token waits consume the configured retry budget one byte at a time.
// When a [hal.Timer] is configured, the data-token and busy waits defer to
// the timer once the immediate budget is spent instead of spinning on the
// bus; without a timer the wait times out.
//
// # Checksums
//
// Command frames always carry a valid CRC7. When a command sets
// sdio.FlagCheckCRC, received data blocks are verified and transmitted
// blocks carry a computed CRC16. Per-block checksums are stashed in a pool
// sized by Config.Blocks, and the multi-block checksum work runs on the
// configured [hal.WorkQueue]. The verification task publishes the final
// status, so a caller never observes completion before verification ended.
//
// # Stop Transmission
//
// Multi-block reads flagged sdio.FlagAutoStop are terminated with an
// injected CMD12 followed by a busy wait. Multi-block writes are terminated
// with the stop-transmission token.
package sdiospi
