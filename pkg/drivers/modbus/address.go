package modbus

import (
	"regexp"
	"strconv"

	"github.com/cuemby/fieldbus/pkg/errcode"
)

// area identifies which of the four classic Modbus register/bit
// spaces a point lives in, following the traditional Modicon
// addressing convention (the leading digit of the numeric address).
type area int

const (
	areaCoil           area = 0
	areaDiscreteInput  area = 1
	areaInputRegister  area = 3
	areaHoldingReg     area = 4
)

var addrRe = regexp.MustCompile(`^(\d+)!([0134])(\d+)`)

// point is a tag's address fully resolved to its Modbus coordinates.
type point struct {
	slaveID uint8
	area    area
	offset  uint16
}

// parseAddress reads a tag address of the form "<slaveID>!<area><offset>",
// e.g. "1!400" for slave 1, holding register offset 0. Any byte-swap
// suffix tag.ParseAddrOption already consumed (".10L", "#BB", ...) is
// ignored here since it trails the digits this regexp matches.
func parseAddress(address string) (point, error) {
	m := addrRe.FindStringSubmatch(address)
	if m == nil {
		return point{}, errcode.New(errcode.TagTypeMismatch, "modbus: address must be \"<slave>!<area><offset>\"")
	}
	slave, err := strconv.Atoi(m[1])
	if err != nil || slave < 0 || slave > 255 {
		return point{}, errcode.New(errcode.TagTypeMismatch, "modbus: slave id out of range")
	}
	a, _ := strconv.Atoi(m[2])
	offset, err := strconv.Atoi(m[3])
	if err != nil || offset < 0 || offset > 0xffff {
		return point{}, errcode.New(errcode.TagTypeMismatch, "modbus: register offset out of range")
	}
	return point{slaveID: uint8(slave), area: area(a), offset: uint16(offset)}, nil
}
