package hardware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/cellscan/internal/radio"
)

type call struct {
	name string
	args []string
}

// fakeRunner answers by command name and records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string][]byte
	errs    map[string]error
	calls   []call
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{name: name, args: args})
	return r.outputs[name], r.errs[name]
}

type staticUSB []USBDevice

func (s staticUSB) List() ([]USBDevice, error) { return s, nil }

func writeDevice(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for k, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0o644))
	}
}

func TestDescriptorCatalog(t *testing.T) {
	d, err := Descriptor(radio.FamilyRTLSDR, 1)
	require.NoError(t, err)
	assert.Equal(t, "rtlsdr-1", d.ID)
	assert.Equal(t, 1, d.Index)
	assert.Equal(t, radio.FormatU8, d.Format)
	assert.True(t, d.Recognizes(radio.USBID{Vendor: 0x0bda, Product: 0x2832}))

	// The returned descriptor must not alias the catalog.
	d.USBIDs[0] = radio.USBID{}
	again, _ := Descriptor(radio.FamilyRTLSDR, 0)
	assert.Equal(t, radio.USBID{Vendor: 0x0bda, Product: 0x2838}, again.USBIDs[0])

	bb, err := Descriptor(radio.FamilyBB60C, 0)
	require.NoError(t, err)
	assert.Len(t, bb.USBIDs, 4)

	_, err = Descriptor("airspy", 0)
	assert.Error(t, err)
}

func TestParseDevices(t *testing.T) {
	descs, err := ParseDevices([]string{"rtlsdr", "hackrf:1", " "})
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "rtlsdr-0", descs[0].ID)
	assert.Equal(t, "hackrf-1", descs[1].ID)

	_, err = ParseDevices([]string{"rtlsdr", "rtlsdr:0"})
	assert.Error(t, err)
	_, err = ParseDevices([]string{"rtlsdr:x"})
	assert.Error(t, err)
	_, err = ParseDevices([]string{"rtlsdr:-1"})
	assert.Error(t, err)
}

func TestWithReferenceOnlyWhenTunable(t *testing.T) {
	rtl, _ := Descriptor(radio.FamilyRTLSDR, 0)
	hack, _ := Descriptor(radio.FamilyHackRF, 0)
	out := WithReference([]radio.Descriptor{rtl, hack}, 1842.6e6)
	assert.Equal(t, rtl.ReferenceHz, out[0].ReferenceHz, "rtl-sdr cannot tune 1842.6 MHz")
	assert.Equal(t, 1842.6e6, out[1].ReferenceHz)
}

func TestSysfsEnumerator(t *testing.T) {
	root := t.TempDir()
	writeDevice(t, root, "1-2", map[string]string{"idVendor": "0bda", "idProduct": "2838", "serial": "00000001"})
	writeDevice(t, root, "1-1", map[string]string{"idVendor": "1d6b", "idProduct": "0002"})
	writeDevice(t, root, "1-2:1.0", map[string]string{"bInterfaceClass": "ff"})

	devs, err := NewSysfsEnumerator(root).List()
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, radio.USBID{Vendor: 0x1d6b, Product: 0x0002}, devs[0].ID)
	assert.Equal(t, "00000001", devs[1].Serial)

	_, err = NewSysfsEnumerator(filepath.Join(root, "missing")).List()
	assert.Error(t, err)
}

func TestProbePresenceHonoursIndex(t *testing.T) {
	usb := staticUSB{
		{Path: "/sys/1-1", ID: radio.USBID{Vendor: 0x0bda, Product: 0x2838}},
		{Path: "/sys/1-3", ID: radio.USBID{Vendor: 0x1d50, Product: 0x6089}},
	}
	b := NewExecBackend(&fakeRunner{}, usb, nil, nil)

	d0, _ := Descriptor(radio.FamilyRTLSDR, 0)
	p, err := b.ProbePresence(context.Background(), d0)
	require.NoError(t, err)
	assert.True(t, p.Matched)
	assert.Equal(t, radio.USBID{Vendor: 0x0bda, Product: 0x2838}, p.ID)

	d1, _ := Descriptor(radio.FamilyRTLSDR, 1)
	p, err = b.ProbePresence(context.Background(), d1)
	require.NoError(t, err)
	assert.False(t, p.Matched)
	assert.Contains(t, p.Diagnostic, "1 of 2")
}

func TestTestCapability(t *testing.T) {
	rtl, _ := Descriptor(radio.FamilyRTLSDR, 0)
	bb, _ := Descriptor(radio.FamilyBB60C, 0)

	t.Run("success", func(t *testing.T) {
		r := &fakeRunner{outputs: map[string][]byte{"rtl_test": []byte("Found 1 device(s)")}}
		res, err := NewExecBackend(r, staticUSB{}, nil, nil).TestCapability(context.Background(), rtl)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"-d", "0", "-t"}, r.calls[0].args)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		r := &fakeRunner{errs: map[string]error{"rtl_test": &CommandError{Command: "rtl_test", Stderr: "No supported devices found.", Err: errors.New("exit status 1")}}}
		res, err := NewExecBackend(r, staticUSB{}, nil, nil).TestCapability(context.Background(), rtl)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.RawOutput, "No supported devices")
	})

	t.Run("binary missing", func(t *testing.T) {
		r := &fakeRunner{errs: map[string]error{"rtl_test": errors.New("executable file not found")}}
		_, err := NewExecBackend(r, staticUSB{}, nil, nil).TestCapability(context.Background(), rtl)
		assert.Error(t, err)
	})

	t.Run("unconfigured family", func(t *testing.T) {
		_, err := NewExecBackend(&fakeRunner{}, staticUSB{}, nil, nil).TestCapability(context.Background(), bb)
		assert.Error(t, err)
	})

	t.Run("override", func(t *testing.T) {
		r := &fakeRunner{}
		over := map[radio.Family]Commands{radio.FamilyBB60C: {Probe: ParseCommand("bb60_probe --serial {index}")}}
		res, err := NewExecBackend(r, staticUSB{}, over, nil).TestCapability(context.Background(), bb)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "bb60_probe", r.calls[0].name)
		assert.Equal(t, []string{"--serial", "0"}, r.calls[0].args)
	})
}

func TestCaptureExpandsTemplateAndTrimsPartialSample(t *testing.T) {
	rtl, _ := Descriptor(radio.FamilyRTLSDR, 0)
	r := &fakeRunner{outputs: map[string][]byte{"rtl_sdr": make([]byte, 4001)}}
	b := NewExecBackend(r, staticUSB{}, nil, nil)

	job := radio.CaptureJob{ID: "j1", CenterHz: 947.4e6, SampleRate: 2.048e6, Bandwidth: 2.4e6, Dwell: 1e6}
	c, err := b.Capture(context.Background(), rtl, job)
	require.NoError(t, err)
	assert.Equal(t, 2000, c.SampleCount())
	assert.Equal(t, "rtlsdr-0", c.Device)
	assert.Equal(t, "j1", c.JobID)
	assert.Equal(t, "-d 0 -f 947400000 -s 2048000 -n 2048 -", strings.Join(r.calls[0].args, " "))
}

func TestCaptureTimeout(t *testing.T) {
	rtl, _ := Descriptor(radio.FamilyRTLSDR, 0)
	r := &fakeRunner{errs: map[string]error{"rtl_sdr": context.DeadlineExceeded}}
	_, err := NewExecBackend(r, staticUSB{}, nil, nil).Capture(context.Background(), rtl, radio.CaptureJob{ID: "j"})
	assert.ErrorIs(t, err, radio.ErrCaptureTimeout)
}

func TestCaptureHackRFResolvesSerial(t *testing.T) {
	hack, _ := Descriptor(radio.FamilyHackRF, 0)
	usb := staticUSB{{Path: "/sys/2-1", ID: radio.USBID{Vendor: 0x1d50, Product: 0x6089}, Serial: "0000000000000000a06063c8"}}
	r := &fakeRunner{outputs: map[string][]byte{"hackrf_transfer": make([]byte, 16)}}
	_, err := NewExecBackend(r, usb, nil, nil).Capture(context.Background(), hack, radio.CaptureJob{CenterHz: 1842.6e6, SampleRate: 8e6, Bandwidth: 20e6})
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000a06063c8", r.calls[0].args[1])

	_, err = NewExecBackend(r, staticUSB{}, nil, nil).Capture(context.Background(), hack, radio.CaptureJob{})
	assert.ErrorIs(t, err, radio.ErrHardwareUnavailable)
}

func TestReadPower(t *testing.T) {
	rtl, _ := Descriptor(radio.FamilyRTLSDR, 0)
	csv := "2024-01-01, 12:00:00, 947300000, 947500000, 10000.00, 16, -40.0, -41.0, -42.0, -43.0, -44.0, -45.0, -46.0, -47.0, -48.0, -49.0, -30.0, -51.0\n"

	t.Run("calibrated", func(t *testing.T) {
		r := &fakeRunner{outputs: map[string][]byte{"rtl_power": []byte(csv)}}
		dbm, ok, err := NewExecBackend(r, staticUSB{}, nil, nil).ReadPower(context.Background(), rtl, 947.4e6)
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, -30.0+rtl.CalibrationDB, dbm, 1e-9)
		assert.Contains(t, r.calls[0].args, "947300000:947500000:10000")
	})

	t.Run("out of window is absent", func(t *testing.T) {
		hot := strings.Replace(csv, "-30.0", "95.0", 1)
		r := &fakeRunner{outputs: map[string][]byte{"rtl_power": []byte(hot)}}
		dbm, ok, err := NewExecBackend(r, staticUSB{}, nil, nil).ReadPower(context.Background(), rtl, 947.4e6)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, dbm)
	})

	t.Run("empty output is absent", func(t *testing.T) {
		_, ok, err := NewExecBackend(&fakeRunner{}, staticUSB{}, nil, nil).ReadPower(context.Background(), rtl, 947.4e6)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("command failure", func(t *testing.T) {
		r := &fakeRunner{errs: map[string]error{"rtl_power": errors.New("boom")}}
		_, ok, err := NewExecBackend(r, staticUSB{}, nil, nil).ReadPower(context.Background(), rtl, 947.4e6)
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestSweepLevelAveragesRows(t *testing.T) {
	out := []byte("d, t, 100, 200, 50, 1, -10, -20\n" +
		"garbage\n" +
		"d, t, 100, 200, 50, 1, -10, -20\n" +
		"d, t, 200, 300, 50, 1, -99, -99\n")
	level, err := sweepLevel(out, 160)
	require.NoError(t, err)
	assert.InDelta(t, -20.0, level, 1e-9)

	_, err = sweepLevel([]byte("d, t, 100, 200, 50, 1, nan, -20\n"), 120)
	assert.ErrorIs(t, err, errNoBin)

	_, err = sweepLevel(out, 1000)
	assert.ErrorIs(t, err, errNoBin)
}
