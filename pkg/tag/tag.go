// Package tag defines the Tag type and its address-option parser.
// Grounded on the original gateway's neu_datatag_t and
// neu_datatag_parse_addr_option, reworked into a typed Go
// representation: byte-swap options operate over fixed-size value
// structs rather than re-parsing a C address string at read time.
package tag

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cuemby/fieldbus/pkg/errcode"
)

// Type is a tag's data type.
type Type int

const (
	TypeInt8 Type = iota
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat
	TypeDouble
	TypeBool
	TypeBit
	TypeString
	TypeBytes
	// TypeWord, TypeDword, and TypeLword are the unsigned 16/32/64-bit
	// PLC "word" types: same width, address grammar, and wire encoding
	// as TypeUint16/TypeUint32/TypeUint64 respectively, kept as
	// distinct types only so a tag declared WORD/DWORD/LWORD round-trips
	// through its own name instead of silently becoming UINT16/32/64.
	TypeWord
	TypeDword
	TypeLword
)

// Attribute is a bitset of tag capabilities.
type Attribute uint8

const (
	AttrRead Attribute = 1 << iota
	AttrWrite
	AttrSubscribe
	AttrStatic
)

// Has reports whether a includes all bits of want.
func (a Attribute) Has(want Attribute) bool { return a&want == want }

// Readable mirrors the original's is_readable: a tag is part of a
// group's poll plan if it is READ, SUBSCRIBE, or STATIC.
func (a Attribute) Readable() bool {
	return a.Has(AttrRead) || a.Has(AttrSubscribe) || a.Has(AttrStatic)
}

// StringEncoding selects byte ordering for STRING values.
type StringEncoding int

const (
	StringHigh   StringEncoding = iota // H: high byte first
	StringLow                          // L: low byte first
	StringDouble                       // D/E: double-byte (swapped variants collapse to this)
)

// Endian16 selects byte order for 16-bit numerics.
type Endian16 int

const (
	Endian16Little Endian16 = iota // L, default
	Endian16Big
)

// Endian32 selects byte-pair and word order for 32-bit numerics.
type Endian32 int

const (
	Endian32LL Endian32 = iota // default
	Endian32BB
	Endian32BL
	Endian32LB
)

// Endian64 selects byte order for 64-bit numerics.
type Endian64 int

const (
	Endian64Little Endian64 = iota // default
	Endian64Big
)

// AddrOption is the parsed address-suffix option, populated according
// to the tag's Type. Only the field matching Type is meaningful.
type AddrOption struct {
	String  StringOption
	Bytes   BytesOption
	Value16 Value16Option
	Value32 Value32Option
	Value64 Value64Option
	Bit     BitOption
}

type StringOption struct {
	Length   int
	Encoding StringEncoding
}

// BytesOption is deliberately a distinct field from StringOption: the
// original implementation read the STRING length field when parsing
// BYTES, which silently validated the wrong field whenever the two
// happened to alias in memory. Keeping them as separate Go fields
// makes that class of bug unrepresentable.
type BytesOption struct {
	Length int
}

type Value16Option struct {
	Endian Endian16
}

type Value32Option struct {
	Endian Endian32
}

type Value64Option struct {
	Endian Endian64
}

type BitOption struct {
	Bit int
}

var suffixRe = regexp.MustCompile(`\.(\d+)([HLDE])?$`)
var endianRe = regexp.MustCompile(`#([BL]{1,2})$`)
var bitRe = regexp.MustCompile(`\.(\d+)$`)

// ParseAddrOption parses the trailing address-string suffix for the
// given type, per the rules in the address-option grammar: STRING and
// BYTES require ".<length>" (STRING additionally accepts a trailing
// encoding letter); 16-bit numerics accept "#B"/"#L" (default L);
// 32-bit accept "#BB|#BL|#LB|#LL" (default LL); 64-bit accept
// "#B"/"#L" (default L); BIT requires ".<0..15>".
func ParseAddrOption(address string, t Type) (AddrOption, error) {
	var opt AddrOption

	switch t {
	case TypeBytes:
		m := suffixRe.FindStringSubmatch(address)
		if m == nil {
			return opt, errcode.New(errcode.TagTypeMismatch, "BYTES address requires a .<length> suffix")
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return opt, errcode.New(errcode.TagTypeMismatch, "BYTES length must be a positive integer")
		}
		opt.Bytes.Length = n

	case TypeString:
		m := suffixRe.FindStringSubmatch(address)
		if m == nil {
			return opt, errcode.New(errcode.TagTypeMismatch, "STRING address requires a .<length> suffix")
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return opt, errcode.New(errcode.TagTypeMismatch, "STRING length must be a positive integer")
		}
		opt.String.Length = n
		switch m[2] {
		case "H", "":
			opt.String.Encoding = StringHigh
		case "L":
			opt.String.Encoding = StringLow
		case "D", "E":
			opt.String.Encoding = StringDouble
		}

	case TypeInt16, TypeUint16, TypeWord:
		opt.Value16.Endian = Endian16Little
		if m := endianRe.FindStringSubmatch(address); m != nil {
			switch m[1] {
			case "B":
				opt.Value16.Endian = Endian16Big
			case "L":
				opt.Value16.Endian = Endian16Little
			}
		}

	case TypeInt32, TypeUint32, TypeFloat, TypeDword:
		opt.Value32.Endian = Endian32LL
		if m := endianRe.FindStringSubmatch(address); m != nil && len(m[1]) == 2 {
			switch m[1] {
			case "BB":
				opt.Value32.Endian = Endian32BB
			case "BL":
				opt.Value32.Endian = Endian32BL
			case "LB":
				opt.Value32.Endian = Endian32LB
			case "LL":
				opt.Value32.Endian = Endian32LL
			}
		}

	case TypeInt64, TypeUint64, TypeDouble, TypeLword:
		opt.Value64.Endian = Endian64Little
		if m := endianRe.FindStringSubmatch(address); m != nil {
			switch m[1] {
			case "B":
				opt.Value64.Endian = Endian64Big
			case "L":
				opt.Value64.Endian = Endian64Little
			}
		}

	case TypeBit:
		m := bitRe.FindStringSubmatch(address)
		if m == nil {
			return opt, errcode.New(errcode.TagTypeMismatch, "BIT address requires a .<0..15> suffix")
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 || n > 15 {
			return opt, errcode.New(errcode.TagTypeMismatch, "BIT index must be between 0 and 15")
		}
		opt.Bit.Bit = n

	default:
		// No suffix grammar for plain numeric/bool/int8/uint8 types.
	}

	return opt, nil
}

// Tag describes one addressable point in a group.
type Tag struct {
	Name        string
	Address     string
	Type        Type
	Attribute   Attribute
	Precision   int
	Decimal     float64
	Option      AddrOption
	Description string

	// StaticValue holds the heap-owned value cell for STATIC tags,
	// populated from a persisted setting via a JSON round-trip. Nil
	// for non-STATIC tags.
	StaticValue any
}

// Validate checks that a Tag is internally consistent: its address
// option must parse under its declared type, and a STATIC tag must
// carry a value.
func (t *Tag) Validate() error {
	opt, err := ParseAddrOption(t.Address, t.Type)
	if err != nil {
		return err
	}
	t.Option = opt

	if t.Attribute.Has(AttrStatic) && t.StaticValue == nil {
		return errcode.New(errcode.TagTypeMismatch, fmt.Sprintf("tag %q is STATIC but has no value", t.Name))
	}
	return nil
}

// Clone returns a deep-enough copy for safe snapshot handoff: value
// types copy by assignment, StaticValue is copied by reference since
// it is treated as immutable once set.
func (t *Tag) Clone() *Tag {
	c := *t
	return &c
}
