package msc

import "encoding/binary"

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType       uint8    // Peripheral device type
	RMB              uint8    // Removable media bit (bit 7)
	Version          uint8    // SCSI version
	ResponseFormat   uint8    // Response data format
	AdditionalLength uint8    // Additional length (n-4)
	Flags            [3]uint8 // Various flags
	VendorID         [8]byte  // Vendor identification (ASCII)
	ProductID        [16]byte // Product identification (ASCII)
	ProductRev       [4]byte  // Product revision (ASCII)
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	buf[0] = r.DeviceType
	buf[1] = r.RMB
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = r.AdditionalLength
	copy(buf[5:8], r.Flags[:])
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// NewInquiryResponse creates a standard INQUIRY response.
func NewInquiryResponse(deviceType uint8, removable bool, vendor, product, revision string) *InquiryResponse {
	resp := &InquiryResponse{
		DeviceType:       deviceType,
		Version:          InquiryVersionSPC4,
		ResponseFormat:   InquiryResponseFormatSPC,
		AdditionalLength: InquiryStandardSize - 5,
	}

	if removable {
		resp.RMB = InquiryRMB
	}

	padString(resp.VendorID[:], vendor)
	padString(resp.ProductID[:], product)
	padString(resp.ProductRev[:], revision)

	return resp
}

// ReadCapacity10Response represents READ CAPACITY (10) response.
type ReadCapacity10Response struct {
	LastLBA     uint32 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return ReadCapacity10Size
}

// ReadCapacity16Response represents READ CAPACITY (16) response.
type ReadCapacity16Response struct {
	LastLBA     uint64 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity16Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity16Size {
		return 0
	}

	clear(buf[:ReadCapacity16Size])
	binary.BigEndian.PutUint64(buf[0:8], r.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength)

	return ReadCapacity16Size
}

// RequestSenseResponse represents REQUEST SENSE response (fixed format).
type RequestSenseResponse struct {
	ResponseCode     uint8  // Response code (0x70 = current, 0x72 = descriptor)
	SenseKey         uint8  // Sense key (bits 0-3)
	Information      uint32 // Information field
	AdditionalLength uint8  // Additional sense length (n-7)
	ASC              uint8  // Additional sense code
	ASCQ             uint8  // Additional sense code qualifier
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *RequestSenseResponse) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}

	clear(buf[:RequestSenseSize])
	buf[0] = r.ResponseCode
	buf[2] = r.SenseKey & 0x0F
	binary.BigEndian.PutUint32(buf[3:7], r.Information)
	buf[7] = r.AdditionalLength
	buf[12] = r.ASC
	buf[13] = r.ASCQ

	return RequestSenseSize
}

// NewRequestSenseResponse creates a REQUEST SENSE response.
func NewRequestSenseResponse(key, asc, ascq uint8) *RequestSenseResponse {
	return &RequestSenseResponse{
		ResponseCode:     0x70, // Current errors, fixed format
		SenseKey:         key & 0x0F,
		AdditionalLength: RequestSenseSize - 8,
		ASC:              asc,
		ASCQ:             ascq,
	}
}

// ModeSenseResponse is the mode parameter header without block
// descriptors or pages, shared by MODE SENSE (6) and (10).
type ModeSenseResponse struct {
	MediumType  uint8 // Medium type
	DeviceParam uint8 // Device-specific parameter
}

// MarshalTo6 writes the 4-byte MODE SENSE (6) header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ModeSenseResponse) MarshalTo6(buf []byte) int {
	if len(buf) < ModeSense6HeaderSize {
		return 0
	}

	buf[0] = ModeSense6HeaderSize - 1 // Mode data length excludes itself
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = 0 // Block descriptor length

	return ModeSense6HeaderSize
}

// MarshalTo10 writes the 8-byte MODE SENSE (10) header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ModeSenseResponse) MarshalTo10(buf []byte) int {
	if len(buf) < ModeSense10HeaderSize {
		return 0
	}

	clear(buf[:ModeSense10HeaderSize])
	binary.BigEndian.PutUint16(buf[0:2], ModeSense10HeaderSize-2)
	buf[2] = r.MediumType
	buf[3] = r.DeviceParam

	return ModeSense10HeaderSize
}

// ReadFormatCapacitiesResponse is a capacity list holding the single
// current/maximum capacity descriptor.
type ReadFormatCapacitiesResponse struct {
	BlockCount  uint32 // Number of blocks
	DescType    uint8  // Descriptor type (bits 0-1)
	BlockLength uint32 // Block length (24-bit)
}

// MarshalTo writes the capacity list to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadFormatCapacitiesResponse) MarshalTo(buf []byte) int {
	if len(buf) < ReadFormatCapacitiesSize {
		return 0
	}

	clear(buf[:4])
	buf[3] = 8 // Capacity list length: one descriptor
	binary.BigEndian.PutUint32(buf[4:8], r.BlockCount)
	buf[8] = r.DescType & 0x03
	// Block length is 24-bit in bytes 9-11
	buf[9] = uint8(r.BlockLength >> 16)
	buf[10] = uint8(r.BlockLength >> 8)
	buf[11] = uint8(r.BlockLength)

	return ReadFormatCapacitiesSize
}

// DecodeTransfer extracts the starting LBA and block count of a READ or
// WRITE command descriptor block. ok is false for other opcodes.
func DecodeTransfer(cb []byte) (lba uint64, blocks uint32, ok bool) {
	if len(cb) < CBWMaxCBLength {
		return 0, 0, false
	}

	switch cb[0] {
	case SCSIRead6, SCSIWrite6:
		lba = uint64(cb[1]&0x1F)<<16 | uint64(cb[2])<<8 | uint64(cb[3])
		blocks = uint32(cb[4])
		if blocks == 0 {
			blocks = 256
		}
	case SCSIRead10, SCSIWrite10, SCSIVerify10:
		lba = uint64(binary.BigEndian.Uint32(cb[2:6]))
		blocks = uint32(binary.BigEndian.Uint16(cb[7:9]))
	case SCSIRead12, SCSIWrite12:
		lba = uint64(binary.BigEndian.Uint32(cb[2:6]))
		blocks = binary.BigEndian.Uint32(cb[6:10])
	case SCSIRead16, SCSIWrite16:
		lba = binary.BigEndian.Uint64(cb[2:10])
		blocks = binary.BigEndian.Uint32(cb[10:14])
	default:
		return 0, 0, false
	}
	return lba, blocks, true
}

// allocationLength returns the allocation length field of a data-in
// command descriptor block.
func allocationLength(cb []byte) uint32 {
	switch cb[0] {
	case SCSIRequestSense, SCSIModeSense6:
		return uint32(cb[4])
	case SCSIInquiry:
		return uint32(binary.BigEndian.Uint16(cb[3:5]))
	case SCSIReadFormatCapacities, SCSIModeSense10:
		return uint32(binary.BigEndian.Uint16(cb[7:9]))
	case SCSIServiceActionIn16:
		return binary.BigEndian.Uint32(cb[10:14])
	default:
		return ^uint32(0)
	}
}

// padString copies s into dst, padding with spaces.
func padString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
