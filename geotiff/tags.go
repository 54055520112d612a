package geotiff

import "fmt"

// Tag is a TIFF field identifier.
type Tag uint16

// Baseline, extension and GeoTIFF tags read by the engine.
const (
	NewSubfileType      Tag = 254
	ImageWidth          Tag = 256
	ImageLength         Tag = 257
	BitsPerSample       Tag = 258
	Compression         Tag = 259
	Photometric         Tag = 262
	FillOrder           Tag = 266
	DocumentName        Tag = 269
	ImageDescription    Tag = 270
	Make                Tag = 271
	Model               Tag = 272
	StripOffsets        Tag = 273
	SamplesPerPixel     Tag = 277
	RowsPerStrip        Tag = 278
	StripByteCounts     Tag = 279
	XResolution         Tag = 282
	YResolution         Tag = 283
	PlanarConfiguration Tag = 284
	ResolutionUnit      Tag = 296
	Software            Tag = 305
	DateTime            Tag = 306
	Artist              Tag = 315
	HostComputer        Tag = 316
	Predictor           Tag = 317
	ColorMap            Tag = 320
	TileWidth           Tag = 322
	TileLength          Tag = 323
	TileOffsets         Tag = 324
	TileByteCounts      Tag = 325
	ExtraSamples        Tag = 338
	SampleFormat        Tag = 339
	JPEGTables          Tag = 347
	YCbCrSubSampling    Tag = 530
	Copyright           Tag = 33432
	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	ModelTransformation Tag = 34264
	GeoKeyDirectory     Tag = 34735
	GeoDoubleParams     Tag = 34736
	GeoAsciiParams      Tag = 34737
	GDALMetadata        Tag = 42112
	GDALNoData          Tag = 42113
)

var tagToLabel = map[Tag]string{
	NewSubfileType:      "NewSubfileType",
	ImageWidth:          "ImageWidth",
	ImageLength:         "ImageLength",
	BitsPerSample:       "BitsPerSample",
	Compression:         "Compression",
	Photometric:         "PhotometricInterpretation",
	FillOrder:           "FillOrder",
	DocumentName:        "DocumentName",
	ImageDescription:    "ImageDescription",
	Make:                "Make",
	Model:               "Model",
	StripOffsets:        "StripOffsets",
	SamplesPerPixel:     "SamplesPerPixel",
	RowsPerStrip:        "RowsPerStrip",
	StripByteCounts:     "StripByteCounts",
	XResolution:         "XResolution",
	YResolution:         "YResolution",
	PlanarConfiguration: "PlanarConfiguration",
	ResolutionUnit:      "ResolutionUnit",
	Software:            "Software",
	DateTime:            "DateTime",
	Artist:              "Artist",
	HostComputer:        "HostComputer",
	Predictor:           "Predictor",
	ColorMap:            "ColorMap",
	TileWidth:           "TileWidth",
	TileLength:          "TileLength",
	TileOffsets:         "TileOffsets",
	TileByteCounts:      "TileByteCounts",
	ExtraSamples:        "ExtraSamples",
	SampleFormat:        "SampleFormat",
	JPEGTables:          "JPEGTables",
	YCbCrSubSampling:    "YCbCrSubSampling",
	Copyright:           "Copyright",
	ModelPixelScale:     "ModelPixelScale",
	ModelTiepoint:       "ModelTiepoint",
	ModelTransformation: "ModelTransformation",
	GeoKeyDirectory:     "GeoKeyDirectory",
	GeoDoubleParams:     "GeoDoubleParams",
	GeoAsciiParams:      "GeoAsciiParams",
	GDALMetadata:        "GDAL_METADATA",
	GDALNoData:          "GDAL_NODATA",
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// FieldType is the TIFF data type of a directory entry.
type FieldType uint16

const (
	TypeByte      FieldType = 1
	TypeASCII     FieldType = 2
	TypeShort     FieldType = 3
	TypeLong      FieldType = 4
	TypeRational  FieldType = 5
	TypeSByte     FieldType = 6
	TypeUndefined FieldType = 7
	TypeSShort    FieldType = 8
	TypeSLong     FieldType = 9
	TypeSRational FieldType = 10
	TypeFloat     FieldType = 11
	TypeDouble    FieldType = 12
	TypeIFD       FieldType = 13
	TypeLong8     FieldType = 16
	TypeSLong8    FieldType = 17
	TypeIFD8      FieldType = 18
)

// fieldTypeLen is the length of every field type in bytes, 0 for unknown types.
var fieldTypeLen = [...]uint64{
	0, 1, 1, 2, // 0-3
	4, 8, 1, 1, // 4-7
	2, 4, 8, 4, // 8-11
	8, 4, // 12-13
	0, 0, // 14-15 (reserved)
	8, 8, 8, // 16-18
}

var fieldTypeToLabel = map[FieldType]string{
	TypeByte:      "BYTE",
	TypeASCII:     "ASCII",
	TypeShort:     "SHORT",
	TypeLong:      "LONG",
	TypeRational:  "RATIONAL",
	TypeSByte:     "SBYTE",
	TypeUndefined: "UNDEFINED",
	TypeSShort:    "SSHORT",
	TypeSLong:     "SLONG",
	TypeSRational: "SRATIONAL",
	TypeFloat:     "FLOAT",
	TypeDouble:    "DOUBLE",
	TypeIFD:       "IFD",
	TypeLong8:     "LONG8",
	TypeSLong8:    "SLONG8",
	TypeIFD8:      "IFD8",
}

func (f FieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// Size returns the number of bytes of one value, 0 if unrecognized.
func (f FieldType) Size() uint64 {
	if int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[f]
}

// bigOnly reports types that only a BigTIFF file may carry.
func (f FieldType) bigOnly() bool {
	return f == TypeLong8 || f == TypeSLong8 || f == TypeIFD8
}
