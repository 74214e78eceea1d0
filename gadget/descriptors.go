package gadget

import (
	"github.com/ardnew/softudc/udc"
	"github.com/ardnew/softudc/usb"
)

// configTotalLength covers the configuration, interface and two endpoint
// descriptors.
const configTotalLength = usb.ConfigurationDescriptorSize +
	usb.InterfaceDescriptorSize + 2*usb.EndpointDescriptorSize

// deviceDescriptor returns the device descriptor for the given speed.
func (g *Loopback) deviceDescriptor(speed usb.Speed) usb.DeviceDescriptor {
	return usb.DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       0,
		MaxPacketSize0:    uint8(speed.MaxPacketSize0()),
		VendorID:          g.cfg.VendorID,
		ProductID:         g.cfg.ProductID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: stringManufacturer,
		ProductIndex:      stringProduct,
		SerialNumberIndex: stringSerial,
		NumConfigurations: 1,
	}
}

// endpointDescriptors returns the bulk IN and OUT descriptors sized for
// speed.
func endpointDescriptors(speed usb.Speed, in, out *udc.Endpoint) (usb.EndpointDescriptor, usb.EndpointDescriptor) {
	mp := speed.BulkMaxPacketSize()
	return usb.EndpointDescriptor{
			EndpointAddress: usb.Address(in.Number()) | usb.EndpointDirIn,
			Attributes:      uint8(usb.TransferBulk),
			MaxPacketSize:   mp,
		}, usb.EndpointDescriptor{
			EndpointAddress: usb.Address(out.Number()),
			Attributes:      uint8(usb.TransferBulk),
			MaxPacketSize:   mp,
		}
}

// configDescriptor returns the full configuration descriptor set as seen
// at speed.
func (g *Loopback) configDescriptor(speed usb.Speed, descType uint8) []byte {
	buf := make([]byte, configTotalLength)
	cfg := usb.ConfigurationDescriptor{
		TotalLength:        configTotalLength,
		NumInterfaces:      1,
		ConfigurationValue: ConfigurationValue,
		Attributes:         usb.ConfigAttrBusPowered | usb.ConfigAttrSelfPowered,
		MaxPower:           50,
	}
	n := cfg.MarshalTo(buf, descType)

	iface := usb.InterfaceDescriptor{
		NumEndpoints:   2,
		InterfaceClass: usb.ClassVendor,
		InterfaceIndex: stringInterface,
	}
	n += iface.MarshalTo(buf[n:])

	g.mu.Lock()
	in, out := g.in, g.out
	g.mu.Unlock()
	inDesc, outDesc := endpointDescriptors(speed, in, out)
	n += inDesc.MarshalTo(buf[n:])
	n += outDesc.MarshalTo(buf[n:])
	return buf[:n]
}

// otherSpeed returns the speed a dual-speed device would run at on the
// other kind of host.
func otherSpeed(speed usb.Speed) usb.Speed {
	if speed == usb.SpeedHigh {
		return usb.SpeedFull
	}
	return usb.SpeedHigh
}

// descriptor returns the encoded descriptor for a GET_DESCRIPTOR request,
// or nil when there is none.
func (g *Loopback) descriptor(speed usb.Speed, descType, index uint8) []byte {
	switch descType {
	case usb.DescriptorTypeDevice:
		d := g.deviceDescriptor(speed)
		buf := make([]byte, usb.DeviceDescriptorSize)
		return buf[:d.MarshalTo(buf)]

	case usb.DescriptorTypeConfiguration:
		if index != 0 {
			return nil
		}
		return g.configDescriptor(speed, usb.DescriptorTypeConfiguration)

	case usb.DescriptorTypeOtherSpeedConfig:
		if index != 0 || g.cfg.MaxSpeed < usb.SpeedHigh {
			return nil
		}
		return g.configDescriptor(otherSpeed(speed), usb.DescriptorTypeOtherSpeedConfig)

	case usb.DescriptorTypeDeviceQualifier:
		if g.cfg.MaxSpeed < usb.SpeedHigh {
			return nil
		}
		q := usb.DeviceQualifierDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    uint8(otherSpeed(speed).MaxPacketSize0()),
			NumConfigurations: 1,
		}
		buf := make([]byte, usb.DeviceQualifierDescriptorSize)
		return buf[:q.MarshalTo(buf)]

	case usb.DescriptorTypeString:
		return g.stringDescriptor(index)
	}
	return nil
}

func (g *Loopback) stringDescriptor(index uint8) []byte {
	buf := make([]byte, 255)
	var n int
	switch index {
	case 0:
		n = usb.LanguageDescriptorTo(buf, usb.LangIDUSEnglish)
	case stringManufacturer:
		n = usb.StringDescriptorTo(buf, g.cfg.Manufacturer)
	case stringProduct:
		n = usb.StringDescriptorTo(buf, g.cfg.Product)
	case stringSerial:
		n = usb.StringDescriptorTo(buf, g.cfg.SerialNumber)
	case stringInterface:
		n = usb.StringDescriptorTo(buf, "Loopback")
	default:
		return nil
	}
	return buf[:n]
}
