// Package sdio defines the SDIO command model shared by card controllers
// and SDIO transports.
//
// A command travels as a 32-bit [Command] word carrying the command index,
// the expected [ResponseType] and behavioral [Flags]. The argument, the
// execution trigger and the decoded response are exchanged through the
// class parameters ([ParamCommand], [ParamArgument], [ParamExecute],
// [ParamResponse]) of a hal.Interface:
//
//	bus.SetParam(sdio.ParamCommand, sdio.NewCommand(sdio.CmdSendCSD, sdio.ResponseLong, sdio.FlagCheckCRC))
//	bus.SetParam(sdio.ParamArgument, uint32(rca)<<16)
//	bus.SetParam(sdio.ParamExecute, nil)
//	err := hal.Wait(bus)
//
// Responses are reported in card-native order: word 0 holds bits 127..96 of
// a long response, word 3 holds bits 31..0 and is the only word written by
// a short response.
//
// The package also provides the SD/MMC checksums: [CRC7] for command frames
// and [CRC16] (CCITT, seed zero) for data blocks.
package sdio
