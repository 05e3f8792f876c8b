// Package cardsim emulates SD and MMC cards for tests and dry runs.
//
// A [Card] models the card's registers (CID, CSD, OCR, EXT_CSD), its
// identification state machine and a sparse sector store. Two front ends
// expose it to a host:
//
//   - [SPI] speaks the SPI-mode byte protocol and implements the periph.io
//     spi.Conn interface plus a chip select input, so a hal/spi bus can be
//     wired to it exactly like to a real card socket.
//   - [Host] is a native-mode SDIO host controller implementing
//     hal.Interface with the sdio command parameters.
//
// Supported families are SD 1.x, SD 2.0 standard and high capacity, and
// MMC in byte or sector addressing mode.
package cardsim
