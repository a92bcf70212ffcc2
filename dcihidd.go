package main

import (
	"fmt"

	"github.com/usbdii/dcihid-go/core"
	"github.com/usbdii/dcihid-go/server"
	"github.com/usbdii/dcihid-go/usb"
)

// dcihidd bridges USBDII DCI debug-register access to local clients
// over a loopback HTTP API. The protocol/session logic is in the core
// package; transports are in usb.

const version = "1.0.0"

func main() {
	options := parseFlags()

	if options.versionFlag {
		fmt.Printf("dcihidd version %s\n", version)
		return
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(
		options.logfile, options.verbose,
	)

	stderrLogger.Print("dcihidd is starting.")

	var buses []core.Bus
	if options.withusb {
		longMemoryWriter.Log("initing hidapi")
		h, err := usb.InitHIDAPI(longMemoryWriter)
		if err != nil {
			stderrLogger.Fatalf("hidapi: %s", err)
		}
		buses = append(buses, h)
	}

	longMemoryWriter.Log(fmt.Sprintf("UDP port count - %d", len(options.ports)))
	if len(options.ports) > 0 {
		e, err := usb.InitUDP(options.ports)
		if err != nil {
			stderrLogger.Fatalf("udp: %s", err)
		}
		buses = append(buses, e)
	}

	if len(buses) == 0 {
		stderrLogger.Fatalf("No transports enabled")
	}

	b := usb.Init(buses...)
	c := core.New(b, longMemoryWriter)

	longMemoryWriter.Log("creating HTTP server")
	s, err := server.New(c, stderrWriter, shortMemoryWriter, longMemoryWriter, version)
	if err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Log("running HTTP server")
	if err := s.Run(); err != nil {
		stderrLogger.Fatalf("https: %s", err)
	}

	longMemoryWriter.Log("main ended successfully")
}
