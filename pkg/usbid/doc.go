// Package usbid looks up vendor and product names in the usb.ids database
// maintained by the linux-usb project.
//
// udcsim uses it to name the device it has just enumerated:
//
//	db, err := usbid.Open()
//	if err == nil {
//		fmt.Println(db.Describe(desc.VendorID, desc.ProductID))
//	}
package usbid
