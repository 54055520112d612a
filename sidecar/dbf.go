package sidecar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

type FieldType int

const (
	FieldInteger FieldType = iota
	FieldReal
	FieldString
)

func (t FieldType) String() string {
	switch t {
	case FieldInteger:
		return "Integer"
	case FieldReal:
		return "Real"
	}
	return "String"
}

type FieldUsage int

const (
	UsageGeneric FieldUsage = iota
	UsagePixelCount
	UsageName
	UsageMin
	UsageMax
	UsageMinMax
	UsageRed
	UsageGreen
	UsageBlue
	UsageAlpha
)

var usageNames = [...]string{"Generic", "PixelCount", "Name", "Min", "Max", "MinMax", "Red", "Green", "Blue", "Alpha"}

func (u FieldUsage) String() string {
	if int(u) < len(usageNames) {
		return usageNames[u]
	}
	return "Generic"
}

type Column struct {
	Name  string
	Type  FieldType
	Usage FieldUsage
}

// AttributeTable is a raster attribute table: one row per class value.
type AttributeTable struct {
	Columns []Column
	rows    [][]string
}

func (t *AttributeTable) RowCount() int { return len(t.rows) }

func (t *AttributeTable) cell(row, col int) string {
	if row < 0 || row >= len(t.rows) || col < 0 || col >= len(t.Columns) {
		return ""
	}
	return t.rows[row][col]
}

func (t *AttributeTable) Text(row, col int) string { return t.cell(row, col) }

func (t *AttributeTable) Int(row, col int) int {
	s := t.cell(row, col)
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	f, _ := strconv.ParseFloat(s, 64)
	return int(f)
}

func (t *AttributeTable) Float(row, col int) float64 {
	f, _ := strconv.ParseFloat(t.cell(row, col), 64)
	return f
}

const (
	dbfHeaderSize     = 32
	dbfDescriptorSize = 32
	dbfTerminator     = 0x0D
)

// ParseDBF reads an ArcGIS .vat.dbf raster attribute table.
func ParseDBF(data []byte) (*AttributeTable, error) {
	if len(data) < dbfHeaderSize+1 {
		return nil, fmt.Errorf("dbf: file too short (%d bytes)", len(data))
	}
	numRecords := int(binary.LittleEndian.Uint32(data[4:8]))
	headerLen := int(binary.LittleEndian.Uint16(data[8:10]))
	recordLen := int(binary.LittleEndian.Uint16(data[10:12]))
	enc := dbfEncoding(data[29])

	if headerLen > len(data) || headerLen < dbfHeaderSize+1 {
		return nil, fmt.Errorf("dbf: invalid header length %d", headerLen)
	}

	type field struct {
		col      Column
		length   int
		decimals int
	}
	var fields []field
	width := 1 // deletion flag
	for off := dbfHeaderSize; off+dbfDescriptorSize <= headerLen && data[off] != dbfTerminator; off += dbfDescriptorSize {
		d := data[off : off+dbfDescriptorSize]
		name := string(bytes.TrimRight(d[:11], "\x00 "))
		if i := strings.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		f := field{length: int(d[16]), decimals: int(d[17])}
		f.col.Name = name
		switch d[11] {
		case 'N':
			if f.decimals == 0 {
				f.col.Type = FieldInteger
			} else {
				f.col.Type = FieldReal
			}
		case 'F', 'O':
			f.col.Type = FieldReal
		default:
			f.col.Type = FieldString
		}
		f.col.Usage = columnUsage(name)
		fields = append(fields, f)
		width += f.length
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dbf: no fields")
	}
	if recordLen < width {
		return nil, fmt.Errorf("dbf: record length %d shorter than fields (%d)", recordLen, width)
	}
	if int64(headerLen)+int64(numRecords)*int64(recordLen) > int64(len(data)) {
		return nil, fmt.Errorf("dbf: %d records of %d bytes exceed file size", numRecords, recordLen)
	}

	t := &AttributeTable{}
	for _, f := range fields {
		t.Columns = append(t.Columns, f.col)
	}
	for r := 0; r < numRecords; r++ {
		rec := data[headerLen+r*recordLen : headerLen+(r+1)*recordLen]
		if rec[0] == '*' {
			continue
		}
		row := make([]string, len(fields))
		pos := 1
		for i, f := range fields {
			raw := rec[pos : pos+f.length]
			pos += f.length
			if enc != nil && f.col.Type == FieldString {
				if dec, err := enc.NewDecoder().Bytes(raw); err == nil {
					raw = dec
				}
			}
			row[i] = strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

func columnUsage(name string) FieldUsage {
	switch strings.ToUpper(name) {
	case "VALUE":
		return UsageMinMax
	case "COUNT":
		return UsagePixelCount
	case "CLASS":
		return UsageName
	case "RED":
		return UsageRed
	case "GREEN":
		return UsageGreen
	case "BLUE":
		return UsageBlue
	}
	return UsageGeneric
}

// dbfEncoding maps the language driver id byte to a code page.
func dbfEncoding(ldid byte) encoding.Encoding {
	switch ldid {
	case 0x01:
		return charmap.CodePage437
	case 0x02:
		return charmap.CodePage850
	case 0x03, 0x57:
		return charmap.Windows1252
	case 0x64:
		return charmap.CodePage852
	case 0x65:
		return charmap.CodePage866
	case 0x66:
		return charmap.CodePage865
	case 0xC8:
		return charmap.Windows1250
	case 0xC9:
		return charmap.Windows1251
	case 0xCA:
		return charmap.Windows1254
	case 0xCB:
		return charmap.Windows1253
	}
	return nil
}
