package main

import (
	"fmt"
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	bms "github.com/TheCacophonyProject/tc2-bms-controller/internal/tc2-hat-bms"
	i2c "github.com/TheCacophonyProject/tc2-bms-controller/internal/tc2-hat-i2c"
)

var log = logging.NewLogger("info")

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

var version = "<not set>"

func runMain() error {
	if len(os.Args) < 2 {
		log.Info("Usage: tool <subcommand> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "bms":
		err = bms.Run(args, version)
	case "i2c":
		err = i2c.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
