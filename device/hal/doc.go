// Package hal defines the device-side USB controller contract consumed by
// the mass storage datapath.
//
// A [DeviceHAL] exposes the control endpoint only as far as a class driver
// needs it (SETUP packets, data stage, stall and acknowledge) plus packet
// level Read and Write on bulk endpoints with halt control. Enumeration
// and descriptor handling stay inside the controller implementation.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [DeviceHAL] methods
//  2. Handle controller initialization in Init()
//  3. Surface class and endpoint SETUP packets through ReadSetup()
//  4. Implement Read/Write for bulk endpoints, blocking while halted
//
// A FIFO-based HAL for testing is available in
// [github.com/ardnew/softmsc/device/hal/fifo].
package hal
