package device

import "github.com/Alia5/usbuart/usb"

// CreateOptions overrides identity fields of a device at construction.
// Nil fields keep the device's defaults.
type CreateOptions struct {
	IdVendor  *uint16 `json:"idVendor,omitempty"`
	IdProduct *uint16 `json:"idProduct,omitempty"`
	Serial    *string `json:"serial,omitempty"`
}

// Apply writes the overrides into desc.
func (o *CreateOptions) Apply(desc *usb.Descriptor) {
	if o == nil {
		return
	}
	if o.IdVendor != nil {
		desc.Device.IDVendor = *o.IdVendor
	}
	if o.IdProduct != nil {
		desc.Device.IDProduct = *o.IdProduct
	}
	if o.Serial != nil && desc.Device.ISerialNumber != 0 {
		desc.Strings[desc.Device.ISerialNumber] = *o.Serial
	}
}
