//go:build linux

package hostbridge

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl plumbing. The constants mirror <linux/spi/spidev.h>.
const (
	spiIOCWrMode     = 0x40016b01
	spiIOCWrBits     = 0x40016b03
	spiIOCWrMaxSpeed = 0x40046b04
	spiIOCMessage1   = 0x40206b00

	// Mode 3: CPOL=1, CPHA=1.
	spiMode3 = 0x03

	// DefaultSpeedHz is the nominal bridge clock.
	DefaultSpeedHz = 8_000_000
)

type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	pad         uint16
}

// SpidevTransport drives the host side of the bridge through a Linux
// spidev character device.
type SpidevTransport struct {
	fd      int
	speedHz uint32
}

// OpenSpidev opens and configures a spidev device for the bridge: mode 3,
// 8-bit words, MSB first.
func OpenSpidev(path string, speedHz uint32) (*SpidevTransport, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	t := &SpidevTransport{fd: fd, speedHz: speedHz}

	mode := uint8(spiMode3)
	if err := t.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set spi mode: %w", err)
	}
	bits := uint8(8)
	if err := t.ioctl(spiIOCWrBits, unsafe.Pointer(&bits)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set word size: %w", err)
	}
	if err := t.ioctl(spiIOCWrMaxSpeed, unsafe.Pointer(&t.speedHz)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set clock: %w", err)
	}
	return t, nil
}

// Transfer clocks one full-duplex burst.
func (t *SpidevTransport) Transfer(tx, rx []byte) error {
	if len(tx) != len(rx) {
		return fmt.Errorf("burst length mismatch: %d vs %d", len(tx), len(rx))
	}
	if len(tx) == 0 {
		return nil
	}

	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		len:         uint32(len(tx)),
		speedHz:     t.speedHz,
		bitsPerWord: 8,
	}
	return t.ioctl(spiIOCMessage1, unsafe.Pointer(&xfer))
}

// Close releases the device.
func (t *SpidevTransport) Close() error {
	return unix.Close(t.fd)
}

func (t *SpidevTransport) ioctl(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SysfsReadyLine watches or drives a "READY" GPIO exported through sysfs.
type SysfsReadyLine struct {
	path string
}

// NewSysfsReadyLine binds to an exported GPIO's value file.
func NewSysfsReadyLine(gpio int) *SysfsReadyLine {
	return &SysfsReadyLine{path: fmt.Sprintf("/sys/class/gpio/gpio%d/value", gpio)}
}

// Set drives the line.
func (l *SysfsReadyLine) Set(active bool) error {
	v := []byte("0")
	if active {
		v = []byte("1")
	}
	return os.WriteFile(l.path, v, 0o644)
}

// Get samples the line.
func (l *SysfsReadyLine) Get() (bool, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return false, err
	}
	return len(b) > 0 && b[0] == '1', nil
}
