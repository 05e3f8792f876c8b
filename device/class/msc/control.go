package msc

import (
	"context"
	"errors"

	usb "github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

// ServeControl answers the control transfers addressed to the mass storage
// interface until ctx is done or the HAL fails.
//
// Bus resets reset the driver. Class requests go to m.HandleSetup.
// CLEAR_FEATURE(ENDPOINT_HALT) clears a bulk endpoint halt unless the
// driver waits for a Bulk-Only Mass Storage Reset, in which case the
// endpoint stays halted. Everything else is stalled.
func ServeControl(ctx context.Context, dev usb.DeviceHAL, m *MSC) error {
	var (
		setup usb.SetupPacket
		data  [1]byte
	)
	for {
		err := dev.ReadSetup(ctx, &setup)
		switch {
		case errors.Is(err, pkg.ErrReset):
			pkg.LogDebug(pkg.ComponentMSC, "bus reset")
			m.HandleReset()
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := control(ctx, dev, m, &setup, data[:]); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "control transfer failed",
				"requestType", setup.RequestType,
				"request", setup.Request,
				"error", err)
		}
	}
}

func control(ctx context.Context, dev usb.DeviceHAL, m *MSC, setup *usb.SetupPacket, data []byte) error {
	switch {
	case setup.IsClass() && setup.Recipient() == usb.RequestRecipientInterface:
		n, ok := m.HandleSetup(setup.Request, setup.Length, data)
		if !ok {
			return dev.StallEP0()
		}
		if n > 0 {
			if err := dev.WriteEP0(ctx, data[:n]); err != nil {
				return err
			}
		}
		return dev.AckEP0()

	case setup.IsStandard() && setup.Recipient() == usb.RequestRecipientEndpoint &&
		setup.Request == usb.RequestClearFeature && setup.Value == usb.FeatureEndpointHalt:
		if m.Suspended() {
			pkg.LogDebug(pkg.ComponentMSC, "halt kept until reset", "endpoint", setup.Index)
			return dev.AckEP0()
		}
		if err := dev.ClearStall(uint8(setup.Index)); err != nil {
			return err
		}
		return dev.AckEP0()
	}

	pkg.LogDebug(pkg.ComponentMSC, "control request stalled",
		"requestType", setup.RequestType,
		"request", setup.Request)
	return dev.StallEP0()
}
