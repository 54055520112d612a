package sidecar

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// PAM is the persisted auxiliary metadata of a raster (<name>.aux.xml).
type PAM struct {
	SRS           string
	GeoTransform  *[6]float64
	GCPProjection string
	GCPs          []GCP
	// Metadata maps a domain ("" for the default one) to its items in file order.
	Metadata map[string][]Item
	Bands    []PAMBand
}

// Item is one metadata key/value pair.
type Item struct {
	Key   string
	Value string
}

type PAMBand struct {
	Band        int
	Description string
	NoData      *float64
	Metadata    map[string][]Item
}

type pamXML struct {
	XMLName      xml.Name      `xml:"PAMDataset"`
	SRS          string        `xml:"SRS"`
	GeoTransform string        `xml:"GeoTransform"`
	GCPList      *gcpListXML   `xml:"GCPList"`
	Metadata     []metadataXML `xml:"Metadata"`
	Bands        []pamBandXML  `xml:"PAMRasterBand"`
}

type gcpListXML struct {
	Projection string   `xml:"Projection,attr"`
	GCPs       []gcpXML `xml:"GCP"`
}

type gcpXML struct {
	ID    string  `xml:"Id,attr"`
	Info  string  `xml:"Info,attr"`
	Pixel float64 `xml:"Pixel,attr"`
	Line  float64 `xml:"Line,attr"`
	X     float64 `xml:"X,attr"`
	Y     float64 `xml:"Y,attr"`
	Z     float64 `xml:"Z,attr"`
}

type metadataXML struct {
	Domain string   `xml:"domain,attr"`
	Format string   `xml:"format,attr"`
	Items  []mdiXML `xml:"MDI"`
}

type mdiXML struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type pamBandXML struct {
	Band        int           `xml:"band,attr"`
	Description string        `xml:"Description"`
	NoData      string        `xml:"NoDataValue"`
	Metadata    []metadataXML `xml:"Metadata"`
}

// ParsePAM decodes a PAMDataset document.
func ParsePAM(data []byte) (*PAM, error) {
	var doc pamXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("aux.xml: %w", err)
	}

	p := &PAM{
		SRS:      strings.TrimSpace(doc.SRS),
		Metadata: metadataMap(doc.Metadata),
	}
	if s := strings.TrimSpace(doc.GeoTransform); s != "" {
		gt, err := parseGeoTransform(s)
		if err != nil {
			return nil, fmt.Errorf("aux.xml: %w", err)
		}
		p.GeoTransform = &gt
	}
	if doc.GCPList != nil {
		p.GCPProjection = strings.TrimSpace(doc.GCPList.Projection)
		for _, g := range doc.GCPList.GCPs {
			p.GCPs = append(p.GCPs, GCP{ID: g.ID, Info: g.Info, Pixel: g.Pixel, Line: g.Line, X: g.X, Y: g.Y, Z: g.Z})
		}
	}
	for _, b := range doc.Bands {
		pb := PAMBand{Band: b.Band, Description: b.Description, Metadata: metadataMap(b.Metadata)}
		if s := strings.TrimSpace(b.NoData); s != "" {
			if v, err := parseFloat(s); err == nil {
				pb.NoData = &v
			}
		}
		p.Bands = append(p.Bands, pb)
	}
	return p, nil
}

func metadataMap(mds []metadataXML) map[string][]Item {
	if len(mds) == 0 {
		return nil
	}
	out := make(map[string][]Item, len(mds))
	for _, md := range mds {
		// xml formatted domains carry a document, not key/value items
		if md.Format == "xml" {
			continue
		}
		for _, it := range md.Items {
			out[md.Domain] = append(out[md.Domain], Item{Key: it.Key, Value: it.Value})
		}
	}
	return out
}

func parseGeoTransform(s string) ([6]float64, error) {
	var gt [6]float64
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return gt, fmt.Errorf("GeoTransform: expected 6 values, got %d", len(parts))
	}
	for i, part := range parts {
		v, err := parseFloat(strings.TrimSpace(part))
		if err != nil {
			return gt, fmt.Errorf("GeoTransform value %d: %w", i, err)
		}
		gt[i] = v
	}
	return gt, nil
}

// parseFloat also accepts the "nan" and "inf" spellings written by C printf.
func parseFloat(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "nan", "-nan", "1.#qnan", "-1.#ind":
		s = "NaN"
	case "inf", "1.#inf":
		s = "+Inf"
	case "-inf", "-1.#inf":
		s = "-Inf"
	}
	return strconv.ParseFloat(s, 64)
}
