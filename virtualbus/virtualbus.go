// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Alia5/usbuart/device"
	"github.com/Alia5/usbuart/usb"
	"github.com/Alia5/usbuart/usbip"
)

const basepath = "/sys/devices/platform/usbuart/usb"

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrAlreadyAttached = errors.New("device already attached")
)

var (
	globalBusCounter uint32
	allocatedBusIds  = make(map[uint32]bool)
	globalMutex      sync.Mutex
)

// VirtualBus manages USB bus topology and auto-assigns device addresses.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []*busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev      usb.Device
	Meta     usbip.ExportMeta
	Attached bool
}

type busDevice struct {
	dev      usb.Device
	meta     usbip.ExportMeta
	ctx      context.Context
	cancel   context.CancelFunc
	attached bool
}

// New creates a new VirtualBus instance with a unique auto-assigned bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := globalBusCounter
	if busId == 0 {
		busId = 1
	}
	for allocatedBusIds[busId] {
		busId++
	}
	globalBusCounter = busId + 1
	allocatedBusIds[busId] = true
	return newBus(busId)
}

// NewWithBusId creates a new VirtualBus instance starting at a specific bus number.
// Returns an error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true
	return newBus(busId), nil
}

func newBus(busId uint32) *VirtualBus {
	return &VirtualBus{busId: busId, allocatedDevIDs: make(map[uint32]bool)}
}

// Add registers dev on the lowest free device number and returns a context
// that carries its export metadata and is cancelled when the device is
// removed or the bus is closed.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}
	var devID uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, device.ExportMetaKey, &meta)

	vb.devices = append(vb.devices, &busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// Attach marks dev as imported by a USB/IP client. A device accepts one
// client at a time; release undoes the mark.
func (vb *VirtualBus) Attach(dev usb.Device) (release func(), err error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	d := vb.find(dev)
	if d == nil {
		return nil, ErrDeviceNotFound
	}
	if d.attached {
		return nil, fmt.Errorf("%s: %w", d.meta.BusIDString(), ErrAlreadyAttached)
	}
	d.attached = true
	var once sync.Once
	return func() {
		once.Do(func() {
			vb.mutex.Lock()
			d.attached = false
			vb.mutex.Unlock()
		})
	}, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta, Attached: d.attached})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// Remove unregisters a device from the bus and cancels its context.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			d.cancel()
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return ErrDeviceNotFound
}

// Close cancels every device context and frees the bus number. After
// calling Close, this VirtualBus instance should not be used.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	return nil
}

// GetDeviceContext returns the context for a specific device.
// Returns nil if the device is not found.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if d := vb.find(dev); d != nil {
		return d.ctx
	}
	return nil
}

func (vb *VirtualBus) find(dev usb.Device) *busDevice {
	for _, d := range vb.devices {
		if d.dev == dev {
			return d
		}
	}
	return nil
}
