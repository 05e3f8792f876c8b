package hal

import (
	"context"
)

// Request type fields of a SETUP packet.
const (
	RequestDirectionIn = 0x80 // Device to host

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientMask      = 0x1F
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// Standard requests handled beside the class requests of a bulk-only interface.
const (
	RequestClearFeature = 0x01
	RequestSetFeature   = 0x03

	FeatureEndpointHalt = 0x00
)

// EndpointDirectionIn marks an IN (device to host) endpoint address.
const EndpointDirectionIn = 0x80

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsClass reports whether s is a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.RequestType&RequestTypeMask == RequestTypeClass
}

// IsStandard reports whether s is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.RequestType&RequestTypeMask == RequestTypeStandard
}

// Recipient returns the recipient field of the request type.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestRecipientMask
}

// DeviceHAL is the device-side controller contract consumed by the mass
// storage datapath: one control endpoint plus bulk data endpoints.
//
// Descriptor handling and enumeration are the controller's business; the
// HAL only surfaces the SETUP packets a class driver must answer.
type DeviceHAL interface {
	// Init prepares the controller. The context can cancel initialization.
	Init(ctx context.Context) error

	// Start attaches to the bus.
	Start() error

	// Stop detaches from the bus and releases the controller.
	Stop() error

	// ReadSetup blocks until a SETUP packet arrives on EP0.
	// A bus reset is reported as pkg.ErrReset.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the IN data stage of a control transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// StallEP0 rejects the current control transfer.
	StallEP0() error

	// AckEP0 completes a control transfer with a zero-length status stage.
	AckEP0() error

	// Read receives one packet from an OUT endpoint into buf.
	// A halted endpoint blocks until the halt is cleared.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends data on an IN endpoint, at most one packet per call.
	// A halted endpoint blocks until the halt is cleared.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// Stall halts the endpoint.
	Stall(address uint8) error

	// ClearStall clears the halt condition of the endpoint.
	ClearStall(address uint8) error
}
