package capture

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("NextDevice", func() {
	front := Device{ID: "front", Label: "Front Camera"}
	back := Device{ID: "back", Label: "Back Camera"}
	usb := Device{ID: "usb", Label: "USB Camera"}

	DescribeTable("choosing the next device",
		func(current string, devices []Device, want string) {
			Expect(NextDevice(current, devices)).To(Equal(want))
		},
		Entry("no devices", "front", nil, "front"),
		Entry("a single device", "front", []Device{front}, "front"),
		Entry("the first of two", "front", []Device{front, back}, "back"),
		Entry("wrapping around", "usb", []Device{front, back, usb}, "front"),
		Entry("the middle of three", "back", []Device{front, back, usb}, "usb"),
		Entry("an unknown current device", "gone", []Device{front, back}, "front"),
	)
})

var _ = Describe("ListDevices", func() {
	var (
		camera  *fakeCamera
		devices []Device
		err     error
	)

	BeforeEach(func() {
		camera = newFakeCamera(Device{ID: "cam0", Label: "Camera 0"})
	})

	JustBeforeEach(func() {
		devices, err = ListDevices(context.Background(), camera)
	})

	When("access is granted", func() {
		It("should return the devices", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveExactElements(Device{ID: "cam0", Label: "Camera 0"}))
		})
	})

	When("access is refused", func() {
		BeforeEach(func() {
			camera.devicesErr = fmt.Errorf("prompt dismissed: %w", ErrNotAllowed)
		})

		It("should return ErrPermissionDenied", func() {
			Expect(err).To(MatchError(ErrPermissionDenied))
		})
	})

	When("enumeration fails for another reason", func() {
		BeforeEach(func() {
			camera.devicesErr = errBoom
		})

		It("should return ErrDeviceUnavailable", func() {
			Expect(err).To(MatchError(ErrDeviceUnavailable))
			Expect(err).To(MatchError(errBoom))
		})
	})
})
