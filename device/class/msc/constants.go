package msc

// Interface codes of a bulk-only SCSI mass storage function.
const (
	ClassMSC         = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
	CBWMaxCBLength = 16
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes.
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIRead6                = 0x08
	SCSIWrite6               = 0x0A
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSISynchronizeCache10   = 0x35
	SCSIModeSense10          = 0x5A
	SCSIRead16               = 0x88
	SCSIWrite16              = 0x8A
	SCSIServiceActionIn16    = 0x9E
	SCSIRead12               = 0xA8
	SCSIWrite12              = 0xAA
)

// Service action codes for SCSI_SERVICE_ACTION_IN_16.
const (
	ServiceActionReadCapacity16 = 0x10 // Read capacity (16-byte)
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
	SenseAbortedCommand = 0x0B // Aborted command
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo        = 0x00 // No additional sense information
	ASCWriteError              = 0x0C // Write error
	ASCUnrecoveredReadError    = 0x11 // Unrecovered read error
	ASCInvalidCommand          = 0x20 // Invalid command operation code
	ASCLBAOutOfRange           = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB       = 0x24 // Invalid field in CDB
	ASCLogicalUnitNotSupported = 0x25 // Logical unit not supported
	ASCWriteProtected          = 0x27 // Write protected
	ASCNotReadyToReadyChange   = 0x28 // Not ready to ready change, medium may have changed
	ASCMediumNotPresent        = 0x3A // Medium not present
	ASCMediumRemovalPrevented  = 0x53 // Medium removal prevented
)

// SCSI device types (peripheral device type).
const (
	DeviceTypeDisk = 0x00 // Direct access block device
)

// INQUIRY response constants.
const (
	InquiryStandardSize      = 36   // Standard INQUIRY data length
	InquiryVersionSPC4       = 0x06 // SPC-4 version
	InquiryResponseFormatSPC = 0x02 // SPC-compliant response format
	InquiryRMB               = 0x80 // Removable media bit
	InquiryEVPD              = 0x01 // Vital product data requested
)

// Fixed response sizes.
const (
	RequestSenseSize         = 18
	ModeSense6HeaderSize     = 4
	ModeSense10HeaderSize    = 8
	ReadCapacity10Size       = 8
	ReadCapacity16Size       = 32
	ReadFormatCapacitiesSize = 12
)

// Mode sense device-specific parameter bits.
const (
	ModeSenseWriteProtect = 0x80
)

// CDB flag bits.
const (
	VerifyBytchk     = 0x02 // VERIFY(10) byte-check mode
	StartStopStart   = 0x01
	StartStopLoej    = 0x02
	PreventRemoval   = 0x01
	FormatDescriptor = 0x02 // Formatted media descriptor code
)

// DefaultBlockSize is the block size assumed for units that do not report one.
const DefaultBlockSize = 512

// DefaultBufferSize is the staging buffer size used when the configuration
// supplies none.
const DefaultBufferSize = 4096

// MaxLUN is the highest logical unit number of a bulk-only device.
const MaxLUN = 15
