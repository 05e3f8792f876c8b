package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	periph "periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/hal/spi"
	"github.com/ardnew/softmsc/hal/timer"
	"github.com/ardnew/softmsc/hal/workqueue"
	"github.com/ardnew/softmsc/internal/cardsim"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/sdio/mmcsd"
	"github.com/ardnew/softmsc/sdio/sdiospi"
)

const component = pkg.ComponentCmd

// crcBlocks sizes the checksum pool of SPI engines. It bounds every
// checked transfer on a card unit.
const crcBlocks = chunkBlocks

// Unit is an opened logical unit together with the layers below it.
type Unit struct {
	hal.Interface

	// Card is set for SD/MMC units.
	Card *mmcsd.Card

	closers []func() error
}

// Close closes the unit and every layer below it, top first.
func (u *Unit) Close() error {
	var errs []error
	for i := len(u.closers) - 1; i >= 0; i-- {
		errs = append(errs, u.closers[i]())
	}
	return errors.Join(errs...)
}

func (u *Unit) push(closer func() error) {
	u.closers = append(u.closers, closer)
}

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// OpenUnit opens the unit described by cfg.
func OpenUnit(cfg UnitConfig) (*Unit, error) {
	u := &Unit{}
	if err := u.open(cfg); err != nil {
		_ = u.Close()
		return nil, err
	}
	return u, nil
}

func (u *Unit) open(cfg UnitConfig) error {
	switch cfg.Kind {
	case KindImage:
		f, err := msc.NewFileStorage(cfg.Path, cfg.BlockSize, cfg.ReadOnly)
		if err != nil {
			return err
		}
		u.Interface = f
		u.push(f.Close)
		return nil

	case KindMemory:
		m := msc.NewMemoryStorage(cfg.Size, cfg.BlockSize)
		m.SetReadOnly(cfg.ReadOnly)
		u.Interface = m
		u.push(m.Close)
		return nil

	case KindSPI:
		sc := SPIConfig{}
		if cfg.SPI != nil {
			sc = *cfg.SPI
		}
		bus, err := openSPI(sc)
		if err != nil {
			return err
		}
		u.push(bus.Close)
		if err := u.openCard(cfg, bus, true); err != nil {
			return err
		}
		if sc.TransferHz > 0 {
			if err := u.Card.SetParam(hal.ParamRate, uint32(sc.TransferHz)); err != nil {
				return fmt.Errorf("transfer clock: %w", err)
			}
		}
		return nil

	case KindSim:
		sim := SimConfig{}
		if cfg.Sim != nil {
			sim = *cfg.Sim
		}
		typ := cardsim.SDHC
		if sim.Type != "" {
			t, err := cardsim.ParseType(sim.Type)
			if err != nil {
				return fmt.Errorf("%w: %w", pkg.ErrValue, err)
			}
			typ = t
		}
		card := cardsim.New(cardsim.Config{Type: typ, Sectors: sim.Sectors})
		if sim.Native {
			native := cardsim.NewHost(card)
			u.push(native.Close)
			return u.openCard(cfg, native, false)
		}

		conn := cardsim.NewSPI(card)
		bus, err := spi.New(spi.Config{Conn: conn, ChipSelect: conn.ChipSelect()})
		if err != nil {
			return err
		}
		u.push(bus.Close)
		return u.openCard(cfg, bus, true)
	}
	return fmt.Errorf("unknown kind %q: %w", cfg.Kind, pkg.ErrValue)
}

// openCard identifies a card on iface. SPI buses get an engine first.
func (u *Unit) openCard(cfg UnitConfig, iface hal.Interface, overSPI bool) error {
	if overSPI {
		q := workqueue.New(4)
		u.push(q.Close)

		blocks := 0
		if cfg.CRC {
			blocks = crcBlocks
		}
		eng, err := sdiospi.New(sdiospi.Config{
			Bus:       iface,
			Timer:     timer.NewOneShot(time.Millisecond),
			WorkQueue: q,
			Blocks:    blocks,
		})
		if err != nil {
			return err
		}
		u.push(eng.Close)
		iface = eng
	}

	mode, err := parseMode(cfg.Mode)
	if err != nil {
		return err
	}
	card, err := mmcsd.New(mmcsd.Config{Interface: iface, CRC: cfg.CRC, Mode: mode})
	if err != nil {
		return err
	}
	u.push(card.Close)
	u.Card = card
	u.Interface = card

	pkg.LogInfo(component, "card identified", "info", card.Info())
	return nil
}

func openSPI(cfg SPIConfig) (*spi.Bus, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", cfg.Port, err)
	}

	hz := cfg.Hz
	if hz <= 0 {
		hz = DefaultIdentifyHz
	}
	freq := physic.Frequency(hz) * physic.Hertz
	conn, err := port.Connect(freq, periph.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi port %q: %w", cfg.Port, err)
	}

	var cs spi.ChipSelect
	if cfg.CS != "" {
		pin := gpioreg.ByName(cfg.CS)
		if pin == nil {
			port.Close()
			return nil, fmt.Errorf("chip select pin %q: %w", cfg.CS, pkg.ErrDevice)
		}
		cs = pin
	}

	bus, err := spi.New(spi.Config{Conn: conn, ChipSelect: cs, Rate: freq, Port: port})
	if err != nil {
		port.Close()
		return nil, err
	}
	pkg.LogDebug(component, "spi port opened", "port", port, "rate", freq, "cs", cfg.CS)
	return bus, nil
}

// OpenUnits opens every unit of cfg. On failure the units already opened
// are closed.
func OpenUnits(cfg *Config) ([]*Unit, error) {
	units := make([]*Unit, 0, len(cfg.Units))
	for lun, uc := range cfg.Units {
		u, err := OpenUnit(uc)
		if err != nil {
			CloseUnits(units)
			return nil, fmt.Errorf("unit %d (%s): %w", lun, uc.Kind, err)
		}
		units = append(units, u)
	}
	return units, nil
}

// CloseUnits closes units and logs failures.
func CloseUnits(units []*Unit) {
	for lun, u := range units {
		if err := u.Close(); err != nil {
			pkg.LogWarn(component, "close failed", "lun", lun, "error", err)
		}
	}
}
