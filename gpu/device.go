// Package gpu - Per-pixel argmax on a WebGPU compute device.
package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-segmentation/reduce"
)

// PowerPreference selects the class of adapter requested from the instance.
type PowerPreference string

const (
	// PowerHighPerformance prefers a discrete adapter.
	PowerHighPerformance PowerPreference = "high-performance"
	// PowerLowPower prefers an integrated adapter.
	PowerLowPower PowerPreference = "low-power"
)

// Options configures the device reducer.
type Options struct {
	// Policy selects the initial maximum of the scan. It must match the
	// policy of the CPU reducer for the two backends to agree.
	Policy reduce.Policy `json:"policy" yaml:"policy"`
	// PowerPreference is used when no adapter matches AdapterHint.
	PowerPreference PowerPreference `json:"power_preference" yaml:"power_preference"`
	// AdapterHint is matched case-insensitively against adapter and vendor names.
	AdapterHint string `json:"adapter_hint" yaml:"adapter_hint"`
	// Logger receives adapter selection and teardown messages. May be nil.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// AdapterInfo describes the adapter a reducer runs on.
type AdapterInfo struct {
	Name   string
	Vendor string
	// MaxWorkgroupsPerDimension bounds a single dispatch dimension.
	MaxWorkgroupsPerDimension uint32
	// MaxStorageBufferBindingSize bounds the largest tensor that can be bound.
	MaxStorageBufferBindingSize uint64
}

// device owns the instance, adapter, device and queue of one reducer.
type device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     AdapterInfo
}

// openDevice acquires a compute device. Every failure wraps
// reduce.ErrDeviceUnavailable.
func openDevice(opts Options, log *zap.Logger) (d *device, err error) {
	defer func() {
		// The native loader panics when the wgpu library cannot be found.
		if r := recover(); r != nil {
			d = nil
			err = errors.Wrapf(reduce.ErrDeviceUnavailable, "webgpu: %v", r)
		}
	}()

	d = &device{}
	d.instance = wgpu.CreateInstance(nil)
	if d.instance == nil {
		return nil, errors.Wrap(reduce.ErrDeviceUnavailable, "failed to create webgpu instance")
	}

	if opts.AdapterHint != "" {
		hint := strings.ToLower(opts.AdapterHint)
		for _, a := range d.instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			log.Debug("found adapter",
				zap.String("name", info.Name),
				zap.String("vendor", info.VendorName),
			)
			if d.adapter == nil && (strings.Contains(strings.ToLower(info.Name), hint) ||
				strings.Contains(strings.ToLower(info.VendorName), hint)) {
				d.adapter = a
				continue
			}
			a.Release()
		}
		if d.adapter == nil {
			log.Warn("no adapter matches hint, using power preference", zap.String("hint", opts.AdapterHint))
		}
	}

	if d.adapter == nil {
		var reqErr error
		for _, pref := range adapterPreferences(opts.PowerPreference) {
			d.adapter, reqErr = d.instance.RequestAdapter(pref)
			if reqErr == nil && d.adapter != nil {
				break
			}
			log.Debug("adapter request failed", zap.Error(reqErr))
		}
		if d.adapter == nil {
			d.release()
			return nil, errors.Wrapf(reduce.ErrDeviceUnavailable, "all adapter requests failed: %v", reqErr)
		}
	}

	info := d.adapter.GetInfo()
	limits := d.adapter.GetLimits()
	d.info = AdapterInfo{
		Name:                        info.Name,
		Vendor:                      info.VendorName,
		MaxWorkgroupsPerDimension:   limits.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize: limits.Limits.MaxStorageBufferBindingSize,
	}

	d.device, err = d.adapter.RequestDevice(nil)
	if err != nil {
		d.release()
		return nil, errors.Wrapf(reduce.ErrDeviceUnavailable, "request device on %s: %v", info.Name, err)
	}
	d.queue = d.device.GetQueue()
	if d.queue == nil {
		d.release()
		return nil, errors.Wrap(reduce.ErrDeviceUnavailable, "device has no queue")
	}

	log.Info("using gpu adapter",
		zap.String("name", d.info.Name),
		zap.String("vendor", d.info.Vendor),
		zap.Uint32("max_workgroups_per_dim", d.info.MaxWorkgroupsPerDimension),
	)
	return d, nil
}

// adapterPreferences lists the adapter requests to try in order.
func adapterPreferences(p PowerPreference) []*wgpu.RequestAdapterOptions {
	high := &wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance}
	low := &wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower}
	if p == PowerLowPower {
		return []*wgpu.RequestAdapterOptions{low, high, nil}
	}
	return []*wgpu.RequestAdapterOptions{high, low, nil}
}

// release frees everything acquired so far, in reverse order.
func (d *device) release() {
	d.queue = nil
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

// String implements fmt.Stringer.
func (i AdapterInfo) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.Vendor)
}
