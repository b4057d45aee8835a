package usb

// Device is the minimal interface a device must implement.
// It only handles non-EP0 (interrupt/bulk) transfers.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer (interrupt/bulk).
	// ep is the endpoint number (without direction). dir is usbip.DirIn or usbip.DirOut.
	// For IN transfers, return the payload to send; for OUT, consume 'out' and return nil.
	// IN transfers may block briefly while the device has nothing to send.
	HandleTransfer(ep uint32, dir uint32, out []byte) []byte
	GetDescriptor() *Descriptor
}

// ControlHandler is implemented by devices that answer class or vendor
// requests on EP0. ok is false for requests the device does not support,
// which the server answers with a stall.
type ControlHandler interface {
	HandleControl(setup SetupPacket, data []byte) (resp []byte, ok bool)
}
