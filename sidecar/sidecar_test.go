package sidecar

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldFile(t *testing.T) {
	wf, err := ParseWorldFile([]byte("1.0\n0.0\n0.0\n-1.0\n100.0\n200.0\n"))
	require.NoError(t, err)
	assert.Equal(t, [6]float64{99.5, 1, 0, 200.5, 0, -1}, wf.GeoTransform())

	wf, err = ParseWorldFile([]byte("  60\r\n\r\n0\r\n0\r\n-60\r\n440750\r\n3751290\r\n"))
	require.NoError(t, err)
	assert.Equal(t, [6]float64{440720, 60, 0, 3751320, 0, -60}, wf.GeoTransform())

	_, err = ParseWorldFile([]byte("1\n2\n3\n"))
	assert.Error(t, err)

	_, err = ParseWorldFile([]byte("a\nb\nc\nd\ne\nf\n"))
	assert.Error(t, err)

	_, err = ParseWorldFile([]byte("0\n0\n0\n0\n1\n1\n"))
	assert.Error(t, err)
}

func TestWorldFileNames(t *testing.T) {
	assert.Equal(t, []string{
		"/d/a.tfw", "/d/a.tifw", "/d/a.wld",
		"/d/a.TFW", "/d/a.TIFW", "/d/a.WLD",
	}, WorldFileNames("/d/a.tif"))
}

const pamDoc = `<PAMDataset>
  <SRS dataAxisToSRSAxisMapping="1,2">LOCAL_CS["PAM",UNIT["metre",1]]</SRS>
  <GeoTransform>  1.0000000000000000e+00,  2.0e+00,  3.0e+00,  4.0e+00,  5.0e+00,  6.0e+00</GeoTransform>
  <Metadata>
    <MDI key="AREA_OR_POINT">Area</MDI>
    <MDI key="FOO">bar</MDI>
  </Metadata>
  <Metadata domain="IMD">
    <MDI key="SATID">QB02</MDI>
  </Metadata>
  <Metadata domain="xml:ESRI" format="xml"><GeodataXform/></Metadata>
  <GCPList Projection="EPSG:4326">
    <GCP Id="1" Info="a" Pixel="0.5" Line="1.5" X="2" Y="49" Z="0"/>
    <GCP Id="2" Pixel="10" Line="20" X="3" Y="48"/>
  </GCPList>
  <PAMRasterBand band="1">
    <Description>elevation</Description>
    <NoDataValue>-9999</NoDataValue>
    <Metadata><MDI key="STATISTICS_MEAN">12.5</MDI></Metadata>
  </PAMRasterBand>
  <PAMRasterBand band="2">
    <NoDataValue>nan</NoDataValue>
  </PAMRasterBand>
</PAMDataset>`

func TestParsePAM(t *testing.T) {
	p, err := ParsePAM([]byte(pamDoc))
	require.NoError(t, err)

	assert.Equal(t, `LOCAL_CS["PAM",UNIT["metre",1]]`, p.SRS)
	require.NotNil(t, p.GeoTransform)
	assert.Equal(t, [6]float64{1, 2, 3, 4, 5, 6}, *p.GeoTransform)

	assert.Equal(t, []Item{{"AREA_OR_POINT", "Area"}, {"FOO", "bar"}}, p.Metadata[""])
	assert.Equal(t, []Item{{"SATID", "QB02"}}, p.Metadata["IMD"])
	assert.NotContains(t, p.Metadata, "xml:ESRI")

	assert.Equal(t, "EPSG:4326", p.GCPProjection)
	require.Len(t, p.GCPs, 2)
	assert.Equal(t, GCP{ID: "1", Info: "a", Pixel: 0.5, Line: 1.5, X: 2, Y: 49}, p.GCPs[0])

	require.Len(t, p.Bands, 2)
	assert.Equal(t, "elevation", p.Bands[0].Description)
	require.NotNil(t, p.Bands[0].NoData)
	assert.Equal(t, -9999.0, *p.Bands[0].NoData)
	assert.Equal(t, []Item{{"STATISTICS_MEAN", "12.5"}}, p.Bands[0].Metadata[""])
	require.NotNil(t, p.Bands[1].NoData)
	assert.True(t, math.IsNaN(*p.Bands[1].NoData))

	_, err = ParsePAM([]byte("<PAMDataset><GeoTransform>1,2,3</GeoTransform></PAMDataset>"))
	assert.Error(t, err)
	_, err = ParsePAM([]byte("not xml"))
	assert.Error(t, err)
}

const tabDoc = "!table\n!version 300\n!charset WindowsLatin1\n\n" +
	"Definition Table\n" +
	"  File \"HP.TIF\"\n" +
	"  Type \"RASTER\"\n" +
	"  (400000,1200000) (0,4000) Label \"Pt 1\",\n" +
	"  (500000,1200000) (4000,4000) Label \"Pt 2\",\n" +
	"  (500000,1300000) (4000,0) Label \"Pt 3\",\n" +
	"  (400000,1300000) (0,0) Label \"Pt \xe9\"\n" +
	"  CoordSys Earth Projection 8, 79, \"m\", -2, 49, 0.9996012717, 400000, -100000\n" +
	"  Units \"m\"\n"

func TestParseTab(t *testing.T) {
	tab, err := ParseTab([]byte(tabDoc))
	require.NoError(t, err)

	assert.Equal(t, "WindowsLatin1", tab.Charset)
	assert.Equal(t, `CoordSys Earth Projection 8, 79, "m", -2, 49, 0.9996012717, 400000, -100000`, tab.CoordSys)
	assert.Equal(t, "m", tab.Units)
	require.Len(t, tab.GCPs, 4)
	assert.Equal(t, "Pt é", tab.GCPs[3].Info)

	gt, ok := tab.GeoTransform()
	require.True(t, ok)
	want := [6]float64{400000, 25, 0, 1300000, 0, -25}
	for i := range want {
		assert.InDelta(t, want[i], gt[i], 1e-6, "coefficient %d", i)
	}

	_, err = ParseTab([]byte("!table\nDefinition Table\n  Type \"LINKED\"\n"))
	assert.Error(t, err)
}

func TestGCPsToGeoTransform(t *testing.T) {
	gt, ok := GCPsToGeoTransform([]GCP{{Pixel: 0, Line: 0, X: 10, Y: 20}, {Pixel: 10, Line: 10, X: 20, Y: 10}})
	require.True(t, ok)
	assert.Equal(t, [6]float64{10, 1, 0, 20, 0, -1}, gt)

	_, ok = GCPsToGeoTransform([]GCP{{}, {}, {}})
	assert.False(t, ok)

	_, ok = GCPsToGeoTransform([]GCP{{X: 1}})
	assert.False(t, ok)
}

const esriDoc = `<?xml version="1.0" encoding="UTF-8"?>
<metadata xml:lang="en">
  <refSysInfo>
    <RefSystem>
      <refSysID>
        <identCode code="25833"/>
        <idCodeSpace>EPSG</idCodeSpace>
        <idVersion>6.2(3.0.1)</idVersion>
      </refSysID>
    </RefSystem>
  </refSysInfo>
</metadata>`

func TestParseESRIMetadata(t *testing.T) {
	md, err := ParseESRIMetadata([]byte(esriDoc))
	require.NoError(t, err)
	assert.Equal(t, "EPSG", md.Authority)
	assert.Equal(t, 25833, md.Code)
	assert.Equal(t, "EPSG:25833", md.SRS())

	_, err = ParseESRIMetadata([]byte(`<metadata><dataIdInfo/></metadata>`))
	assert.Error(t, err)

	_, err = ParseESRIMetadata([]byte(`<PAMDataset/>`))
	assert.Error(t, err)
}

type dbfField struct {
	name     string
	typ      byte
	length   int
	decimals int
}

// buildDBF writes a dBase III table.
func buildDBF(fields []dbfField, records [][]string, ldid byte) []byte {
	headerLen := 32 + 32*len(fields) + 1
	recordLen := 1
	for _, f := range fields {
		recordLen += f.length
	}
	out := make([]byte, headerLen, headerLen+recordLen*len(records)+1)
	out[0] = 0x03
	binary.LittleEndian.PutUint32(out[4:], uint32(len(records)))
	binary.LittleEndian.PutUint16(out[8:], uint16(headerLen))
	binary.LittleEndian.PutUint16(out[10:], uint16(recordLen))
	out[29] = ldid
	for i, f := range fields {
		d := out[32+32*i:]
		copy(d[:11], f.name)
		d[11] = f.typ
		d[16] = byte(f.length)
		d[17] = byte(f.decimals)
	}
	out[headerLen-1] = 0x0D
	for _, rec := range records {
		out = append(out, ' ')
		for i, f := range fields {
			out = append(out, fmt.Sprintf("%-*s", f.length, rec[i])[:f.length]...)
		}
	}
	return append(out, 0x1A)
}

func TestParseDBF(t *testing.T) {
	fields := []dbfField{
		{"VALUE", 'N', 9, 0},
		{"COUNT", 'N', 9, 0},
		{"CLASS", 'C', 20, 0},
		{"Red", 'N', 3, 0},
		{"Green", 'N', 3, 0},
		{"Blue", 'N', 3, 0},
		{"OtherInt", 'N', 5, 0},
		{"OtherReal", 'N', 8, 2},
		{"OtherStr", 'C', 10, 0},
	}
	data := buildDBF(fields, [][]string{
		{"1", "10", "my class", "26", "51", "128", "2", "2.5", "foo"},
		{"2", "15", "my class2", "0", "0", "0", "3", "3.75", "foo2"},
	}, 0x57)

	rat, err := ParseDBF(data)
	require.NoError(t, err)
	require.Len(t, rat.Columns, 9)
	assert.Equal(t, 2, rat.RowCount())

	var names []string
	var usages []FieldUsage
	var types []FieldType
	for _, c := range rat.Columns {
		names = append(names, c.Name)
		usages = append(usages, c.Usage)
		types = append(types, c.Type)
	}
	assert.Equal(t, []string{"VALUE", "COUNT", "CLASS", "Red", "Green", "Blue", "OtherInt", "OtherReal", "OtherStr"}, names)
	assert.Equal(t, []FieldUsage{UsageMinMax, UsagePixelCount, UsageName, UsageRed, UsageGreen, UsageBlue,
		UsageGeneric, UsageGeneric, UsageGeneric}, usages)
	assert.Equal(t, []FieldType{FieldInteger, FieldInteger, FieldString, FieldInteger, FieldInteger, FieldInteger,
		FieldInteger, FieldReal, FieldString}, types)

	assert.Equal(t, 1, rat.Int(0, 0))
	assert.Equal(t, 10, rat.Int(0, 1))
	assert.Equal(t, "my class", rat.Text(0, 2))
	assert.Equal(t, 26, rat.Int(0, 3))
	assert.Equal(t, 51, rat.Int(0, 4))
	assert.Equal(t, 128, rat.Int(0, 5))
	assert.Equal(t, 2, rat.Int(0, 6))
	assert.Equal(t, 2.5, rat.Float(0, 7))
	assert.Equal(t, "foo", rat.Text(0, 8))
	assert.Equal(t, 2, rat.Int(1, 0))
	assert.Equal(t, "my class2", rat.Text(1, 2))
	assert.Equal(t, "foo2", rat.Text(1, 8))
	assert.Equal(t, "", rat.Text(5, 5))
}

func TestParseDBFCorrupt(t *testing.T) {
	_, err := ParseDBF(nil)
	assert.Error(t, err)

	data := buildDBF([]dbfField{{"VALUE", 'N', 9, 0}}, [][]string{{"1"}}, 0)
	// claim more records than present
	binary.LittleEndian.PutUint32(data[4:], 1000)
	_, err = ParseDBF(data)
	assert.Error(t, err)
}

func TestDBFCodePage(t *testing.T) {
	data := buildDBF([]dbfField{{"CLASS", 'C', 6, 0}}, [][]string{{"caf\xe9"}}, 0x57)
	rat, err := ParseDBF(data)
	require.NoError(t, err)
	assert.Equal(t, "café", rat.Text(0, 0))
}
