// Package metrics holds the prometheus collectors of the storage stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry every collector of this package is registered on.
var Registry = prometheus.NewRegistry()

var (
	MSCCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmsc_msc_commands_total",
			Help: "Number of command block wrappers dispatched, by SCSI operation code",
		},
		[]string{"opcode"},
	)

	MSCFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmsc_msc_failures_total",
			Help: "Number of commands completed with a failed status, by sense key",
		},
		[]string{"sense"},
	)

	MSCPhaseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softmsc_msc_phase_errors_total",
			Help: "Number of malformed command block wrappers answered with a phase error",
		},
	)

	MMCSDIdentificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmsc_mmcsd_identifications_total",
			Help: "Number of completed card identifications, by card type",
		},
		[]string{"type"},
	)

	MMCSDTransferErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmsc_mmcsd_transfer_errors_total",
			Help: "Number of failed block transfers, by SD command",
		},
		[]string{"command"},
	)

	SdioSpiCommandsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softmsc_sdiospi_commands_total",
			Help: "Number of SD commands issued over SPI",
		},
	)

	SdioSpiTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softmsc_sdiospi_timeouts_total",
			Help: "Number of SD commands that exhausted their token retry budget",
		},
	)

	SdioSpiCRCErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "softmsc_sdiospi_crc_errors_total",
			Help: "Number of data blocks rejected for a CRC mismatch",
		},
	)
)

func init() {
	Registry.MustRegister(MSCCommandsTotal)
	Registry.MustRegister(MSCFailuresTotal)
	Registry.MustRegister(MSCPhaseErrorsTotal)
	Registry.MustRegister(MMCSDIdentificationsTotal)
	Registry.MustRegister(MMCSDTransferErrorsTotal)
	Registry.MustRegister(SdioSpiCommandsTotal)
	Registry.MustRegister(SdioSpiTimeoutsTotal)
	Registry.MustRegister(SdioSpiCRCErrorsTotal)
}
