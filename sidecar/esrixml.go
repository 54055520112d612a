package sidecar

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// ESRIMetadata is the spatial reference found in an ArcGIS metadata .xml file.
type ESRIMetadata struct {
	// Authority and Code come from refSysInfo/RefSystem/refSysID.
	Authority string
	Code      int
	// WKT is the coordinate reference written by ArcGIS in Esri/DataProperties, if any.
	WKT string
}

// SRS returns "AUTHORITY:CODE" when known, else the WKT.
func (m *ESRIMetadata) SRS() string {
	if m.Authority != "" && m.Code != 0 {
		return m.Authority + ":" + strconv.Itoa(m.Code)
	}
	return m.WKT
}

// ParseESRIMetadata extracts the spatial reference from an ArcGIS metadata
// document. It returns an error when the document carries none.
func ParseESRIMetadata(data []byte) (*ESRIMetadata, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	md := &ESRIMetadata{}
	var stack []string
	inRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("esri xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				inRoot = t.Name.Local == "metadata"
			}
			stack = append(stack, t.Name.Local)
			if t.Name.Local == "identCode" && slices.Contains(stack, "refSysID") {
				for _, a := range t.Attr {
					if a.Name.Local == "code" {
						if c, err := strconv.Atoi(strings.TrimSpace(a.Value)); err == nil {
							md.Code = c
						}
					}
				}
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" || len(stack) == 0 {
				continue
			}
			switch {
			case slices.Contains(stack, "refSysID") && slices.Contains(stack, "idCodeSpace") && stack[len(stack)-1] == "resTitle":
				md.Authority = text
			case slices.Contains(stack, "refSysID") && stack[len(stack)-1] == "idCodeSpace":
				md.Authority = text
			case stack[len(stack)-1] == "peXml":
				md.WKT = text
			case stack[len(stack)-1] == "projcsn" && md.WKT == "":
				md.WKT = text
			}
		}
	}
	if !inRoot {
		return nil, fmt.Errorf("esri xml: root element is not <metadata>")
	}
	if md.SRS() == "" {
		return nil, fmt.Errorf("esri xml: no spatial reference")
	}
	return md, nil
}
