package main

import (
	"flag"
	"strconv"
)

type udpPorts []int

func (i *udpPorts) String() string {
	res := ""
	for i, p := range *i {
		if i > 0 {
			res += ","
		}
		res += strconv.Itoa(p)
	}
	return res
}

func (i *udpPorts) Set(value string) error {
	p, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*i = append(*i, p)
	return nil
}

type initOptions struct {
	logfile     string
	ports       udpPorts
	withusb     bool
	verbose     bool
	versionFlag bool
}

func parseFlags() initOptions {
	var options initOptions
	flag.StringVar(
		&(options.logfile),
		"l",
		"",
		"Log into a file, rotating after 20MB",
	)
	flag.Var(
		&(options.ports),
		"e",
		"Use UDP port for a card emulator. Can be repeated for more ports. Example: dcihidd -e 21330 -e 21332",
	)
	flag.BoolVar(
		&(options.withusb),
		"u",
		true,
		"Use USB devices. Can be disabled for testing environments. Example: dcihidd -e 21330 -u=false",
	)
	flag.BoolVar(
		&(options.verbose),
		"v",
		false,
		"Write verbose logs to either stderr or logfile",
	)
	flag.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flag.Parse()
	return options
}
