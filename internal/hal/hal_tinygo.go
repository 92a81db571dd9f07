//go:build tinygo

// This file wires the ARMv6 bare-metal debug-writer collaborator for a
// future tinygo build, following the host/target factory split
// jangala-dev-devicecode-go uses (factories_host.go vs. the
// board-tagged real drivers): the host build of this package never sees
// this file; a tinygo build targeting real hardware does.
package hal

import (
	"machine"

	uartx "github.com/jangala-dev/tinygo-uartx"
)

// uartDebugWriter writes kernel diagnostics to a UART, standing in for
// the original's pl011 serial debug driver collaborator.
type uartDebugWriter struct {
	uart *uartx.Device
}

// NewUARTDebugWriter configures the given UART for 115200-8N1 debug
// output and returns a DebugWriter over it.
func NewUARTDebugWriter(uart *machine.UART) (DebugWriter, error) {
	dev, err := uartx.Configure(uart, uartx.Config{BaudRate: 115200})
	if err != nil {
		return nil, err
	}
	return &uartDebugWriter{uart: dev}, nil
}

func (w *uartDebugWriter) WriteString(s string) (int, error) {
	return w.uart.Write([]byte(s))
}
