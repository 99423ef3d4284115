package hardware

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shortontech/cellscan/internal/radio"
)

// DefaultSysfsRoot is where Linux exposes attached USB devices.
const DefaultSysfsRoot = "/sys/bus/usb/devices"

// USBDevice is one device seen on the bus.
type USBDevice struct {
	Path    string
	ID      radio.USBID
	Product string
	Serial  string
}

// Enumerator lists USB devices currently attached.
type Enumerator interface {
	List() ([]USBDevice, error)
}

// SysfsEnumerator reads idVendor/idProduct attributes under Root.
type SysfsEnumerator struct {
	Root string
}

func NewSysfsEnumerator(root string) *SysfsEnumerator {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &SysfsEnumerator{Root: root}
}

// List returns devices sorted by sysfs path so that indexes are stable
// between calls. Interface entries (no idVendor) are skipped.
func (e *SysfsEnumerator) List() ([]USBDevice, error) {
	entries, err := os.ReadDir(e.Root)
	if err != nil {
		return nil, fmt.Errorf("read usb devices: %w", err)
	}
	var out []USBDevice
	for _, entry := range entries {
		dir := filepath.Join(e.Root, entry.Name())
		vendor, err := readAttr(dir, "idVendor")
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		product, err := readAttr(dir, "idProduct")
		if err != nil {
			return nil, err
		}
		id, err := radio.ParseUSBID(vendor + ":" + product)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		name, _ := readAttr(dir, "product")
		serial, _ := readAttr(dir, "serial")
		out = append(out, USBDevice{Path: dir, ID: id, Product: name, Serial: serial})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func readAttr(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// nth returns the index-th attached device recognized by d and how many
// recognized devices were seen.
func nth(devs []USBDevice, d radio.Descriptor) (USBDevice, int, bool) {
	n := 0
	for _, dev := range devs {
		if !d.Recognizes(dev.ID) {
			continue
		}
		if n == d.Index {
			return dev, n + 1, true
		}
		n++
	}
	return USBDevice{}, n, false
}

func matchPresence(devs []USBDevice, d radio.Descriptor) Presence {
	dev, n, ok := nth(devs, d)
	if !ok {
		return Presence{Diagnostic: fmt.Sprintf("%d of %d %s devices present", n, d.Index+1, d.Family)}
	}
	return Presence{
		Matched:    true,
		ID:         dev.ID,
		Diagnostic: fmt.Sprintf("%s at %s", dev.ID, filepath.Base(dev.Path)),
	}
}
