package i2c

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-bms-controller/bq769x0"
	"github.com/TheCacophonyProject/tc2-bms-controller/i2crequest"
	"github.com/alexflint/go-arg"
)

var version = "<not set>"
var log = logging.NewLogger("info")

type Args struct {
	Write   *Write      `arg:"subcommand:write"   help:"Write to a register."`
	Read    *Read       `arg:"subcommand:read"    help:"Read from a register."`
	Service *subcommand `arg:"subcommand:service" help:"Start the dbus service."`
	Find    *Find       `arg:"subcommand:find"    help:"Find i2c devices."`
	Direct  bool        `arg:"--direct" help:"use the I2C bus directly instead of the dbus service"`
	logging.LogArgs
}

type subcommand struct {
}

type Find struct {
	Address string `arg:"required" help:"The address of the device you want to find, in hex (0xnn)"`
}

type Write struct {
	Address string `arg:"required" help:"The address you want to write to, in hex (0xnn)"`
	Reg     string `arg:"required" help:"The Register you want to write to, in hex (0xnn)"`
	Val     string `arg:"required" help:"The value you want to write, in hex (0xnn)"`
	CRC     bool   `arg:"--crc" help:"Add the BQ769x0 CRC"`
}

type Read struct {
	Address string `arg:"required" help:"The address you want to read from, in hex (0xnn)"`
	Reg     string `arg:"required" help:"The Register you want to read from, in hex (0xnn)"`
	Len     int    `arg:"-n,--len" default:"1" help:"Number of registers to read"`
	CRC     bool   `arg:"--crc" help:"Check and strip the BQ769x0 CRC"`
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)

	log.Infof("Running version: %s", version)

	if args.Service != nil {
		if err := startService(); err != nil {
			return err
		}
		for {
			time.Sleep(time.Second) // Sleep to prevent spinning
		}
	}

	bus, closeBus, err := openBus(args.Direct)
	if err != nil {
		return err
	}
	defer closeBus()

	if args.Write != nil {
		return write(bus, args.Write)
	}
	if args.Read != nil {
		_, err := read(bus, args.Read)
		return err
	}
	if args.Find != nil {
		_, err := find(bus, args.Find)
		return err
	}
	return nil
}

func openBus(direct bool) (i2crequest.Bus, func(), error) {
	if !direct {
		return i2crequest.DBusBus{Timeout: i2crequest.DefaultTimeout}, func() {}, nil
	}
	bus, err := i2crequest.OpenDirect()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() { bus.Close() }, nil
}

func find(bus i2crequest.Bus, find *Find) (bool, error) {
	address, err := hexStringToByte(find.Address)
	if err != nil {
		return false, err
	}

	log.Printf("Finding address 0x%X", address)
	found, err := i2crequest.CheckAddress(bus, address)
	if err != nil {
		log.Debugf("Error checking for device: %v", err)
	}
	if found {
		log.Printf("Found device at address 0x%X", address)
	} else {
		log.Printf("Did not find device at address 0x%X", address)
	}
	return found, nil
}

func read(bus i2crequest.Bus, read *Read) ([]byte, error) {
	reg, err := hexStringToByte(read.Reg)
	if err != nil {
		return nil, err
	}
	address, err := hexStringToByte(read.Address)
	if err != nil {
		return nil, err
	}
	n := read.Len
	if n < 1 {
		n = 1
	}

	log.Printf("Reading %d register(s) from 0x%X", n, reg)
	response, err := bq769x0.ReadRegisters(bus, address, read.CRC, reg, n)
	if err != nil {
		return nil, err
	}
	log.Printf("% X", response)
	return response, nil
}

func write(bus i2crequest.Bus, args *Write) error {
	reg, err := hexStringToByte(args.Reg)
	if err != nil {
		return err
	}
	val, err := hexStringToByte(args.Val)
	if err != nil {
		return err
	}
	address, err := hexStringToByte(args.Address)
	if err != nil {
		return err
	}

	log.Printf("Writing 0x%X to register 0x%X", val, reg)
	return bq769x0.WriteRegister(bus, address, args.CRC, reg, val)
}

func hexStringToByte(hexStr string) (byte, error) {
	if len(hexStr) != 4 {
		return 0, fmt.Errorf("invalid hex string length: %d", len(hexStr))
	}
	if !strings.HasPrefix(hexStr, "0x") {
		return 0, fmt.Errorf("invalid hex string prefix, should be '0x': %s", hexStr)
	}
	val, err := strconv.ParseUint(hexStr[2:], 16, 8) // 16 for base, 8 for bit size
	if err != nil {
		return 0, err
	}
	return byte(val), nil
}
