package main

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"

	"github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/sdio"
)

// Unit kinds.
const (
	KindImage  = "image"  // Disk image file
	KindMemory = "memory" // RAM disk
	KindSPI    = "spi"    // SD/MMC card on a periph.io SPI port
	KindSim    = "sim"    // Simulated card
)

// Config is the unit file read with -config.
//
//	vendor: softmsc
//	product: SD reader
//	units:
//	  - kind: spi
//	    crc: true
//	    spi: {port: /dev/spidev0.0, cs: GPIO8, hz: 400000, transferHz: 12000000}
//	  - kind: image
//	    path: disk.img
//	    readOnly: true
type Config struct {
	Vendor   string       `json:"vendor,omitempty"`
	Product  string       `json:"product,omitempty"`
	Revision string       `json:"revision,omitempty"`
	Units    []UnitConfig `json:"units"`
}

// UnitConfig describes one logical unit.
type UnitConfig struct {
	Kind      string     `json:"kind"`
	Path      string     `json:"path,omitempty"`
	Size      uint64     `json:"size,omitempty"`
	BlockSize uint32     `json:"blockSize,omitempty"`
	ReadOnly  bool       `json:"readOnly,omitempty"`
	CRC       bool       `json:"crc,omitempty"`
	Mode      string     `json:"mode,omitempty"`
	SPI       *SPIConfig `json:"spi,omitempty"`
	Sim       *SimConfig `json:"sim,omitempty"`
}

// SPIConfig locates a card on a host SPI port.
type SPIConfig struct {
	// Port is a periph.io spireg name, or empty for the first port.
	Port string `json:"port,omitempty"`

	// CS is a gpioreg pin driving chip select. Empty leaves chip select
	// to the port.
	CS string `json:"cs,omitempty"`

	// Hz is the identification clock (400 kHz if zero).
	Hz int64 `json:"hz,omitempty"`

	// TransferHz, when set, is applied once the card is identified.
	TransferHz int64 `json:"transferHz,omitempty"`
}

// SimConfig configures a simulated card.
type SimConfig struct {
	Type    string `json:"type,omitempty"`
	Sectors uint32 `json:"sectors,omitempty"`

	// Native attaches the card to a native bus host instead of SPI.
	Native bool `json:"native,omitempty"`
}

// DefaultIdentifyHz is the SPI clock used during card identification.
const DefaultIdentifyHz = 400_000

// LoadConfig reads and validates a unit file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML unit file.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Units) == 0 || len(c.Units) > msc.MaxLUN+1 {
		return fmt.Errorf("config: %d units, want 1 to %d: %w", len(c.Units), msc.MaxLUN+1, pkg.ErrValue)
	}
	for lun, u := range c.Units {
		if err := u.validate(); err != nil {
			return fmt.Errorf("config: unit %d: %w", lun, err)
		}
	}
	return nil
}

func (u *UnitConfig) validate() error {
	switch u.Kind {
	case KindImage:
		if u.Path == "" {
			return fmt.Errorf("image without path: %w", pkg.ErrValue)
		}
	case KindMemory:
		if u.Size == 0 {
			return fmt.Errorf("memory without size: %w", pkg.ErrValue)
		}
	case KindSPI, KindSim:
		if u.BlockSize != 0 && u.BlockSize != sdio.BlockSize {
			return fmt.Errorf("card block size %d: %w", u.BlockSize, pkg.ErrValue)
		}
		if _, err := parseMode(u.Mode); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown kind %q: %w", u.Kind, pkg.ErrValue)
	}
	if u.BlockSize != 0 && u.BlockSize%msc.DefaultBlockSize != 0 {
		return fmt.Errorf("block size %d: %w", u.BlockSize, pkg.ErrValue)
	}
	return nil
}

// parseMode parses a native bus width. Empty selects 4-bit.
func parseMode(s string) (sdio.BusMode, error) {
	if s == "" {
		return sdio.Bus4Bit, nil
	}
	mode, err := sdio.ParseBusMode(s)
	if err != nil || mode == sdio.BusSPI {
		return 0, fmt.Errorf("bus mode %q: %w", s, pkg.ErrValue)
	}
	return mode, nil
}
