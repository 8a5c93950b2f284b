package sdma

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Config carries the driver's bring-up parameters. LoadConfig falls back
// to OMAP44xx compiled-in defaults for anything an INI file omits, the
// same optional-file-with-defaults shape the teacher uses for its EDS/INI
// driven object dictionary.
type Config struct {
	// RegisterBase/RegisterSize locate the SDMA MMIO window for the real
	// backend; unused by the simulated one.
	RegisterBase uintptr
	RegisterSize uintptr

	// NumChannels is the number of hardware channels the engine exposes.
	NumChannels int

	// ScratchBytes sizes the per-session scratch frame memset stages its
	// fill pattern into before the engine copies it out.
	ScratchBytes uint32

	// IRQLine is the GIC interrupt line of the SDMA engine. The driver does
	// not read it; its interrupt source is the channel passed to NewDriver.
	IRQLine uint32

	// MaxFIFODepth and ArbitrationRate program DMA4_GCR at bring-up.
	MaxFIFODepth uint32
	ArbitrationRate uint32
}

// DefaultConfig returns the OMAP44xx values the original driver hardcodes.
func DefaultConfig() Config {
	return Config{
		RegisterBase:    0x4A056000,
		RegisterSize:    0x1000,
		NumChannels:     32,
		ScratchBytes:    4096,
		IRQLine:         12,
		MaxFIFODepth:    16,
		ArbitrationRate: 0,
	}
}

// LoadConfig reads path as an INI file, overriding DefaultConfig's fields
// with whatever the [sdma] section sets. A missing path is not an error:
// the compiled-in defaults are returned unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("sdma: loading config %q: %w", path, err)
	}

	sec := f.Section("sdma")
	if key := sec.Key("register_base"); key.String() != "" {
		v, err := key.Uint64()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: register_base: %w", err)
		}
		cfg.RegisterBase = uintptr(v)
	}
	if key := sec.Key("register_size"); key.String() != "" {
		v, err := key.Uint64()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: register_size: %w", err)
		}
		cfg.RegisterSize = uintptr(v)
	}
	if key := sec.Key("num_channels"); key.String() != "" {
		v, err := key.Int()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: num_channels: %w", err)
		}
		cfg.NumChannels = v
	}
	if key := sec.Key("scratch_bytes"); key.String() != "" {
		v, err := key.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: scratch_bytes: %w", err)
		}
		cfg.ScratchBytes = uint32(v)
	}
	if key := sec.Key("irq_line"); key.String() != "" {
		v, err := key.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: irq_line: %w", err)
		}
		cfg.IRQLine = uint32(v)
	}
	if key := sec.Key("max_fifo_depth"); key.String() != "" {
		v, err := key.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: max_fifo_depth: %w", err)
		}
		cfg.MaxFIFODepth = uint32(v)
	}
	if key := sec.Key("arbitration_rate"); key.String() != "" {
		v, err := key.Uint()
		if err != nil {
			return Config{}, fmt.Errorf("sdma: arbitration_rate: %w", err)
		}
		cfg.ArbitrationRate = uint32(v)
	}

	return cfg, nil
}
