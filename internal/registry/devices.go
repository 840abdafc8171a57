package registry

import (
	_ "github.com/Alia5/usbtest/device/storage" // Register mass storage gadget
	_ "github.com/Alia5/usbtest/device/zero"    // Register gadget zero
)
