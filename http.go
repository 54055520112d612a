package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/akhenakh/gtiffread/codec"
	"github.com/akhenakh/gtiffread/geotiff"
)

var errTooLarge = errors.New("requested area is too large")

type ctxKey struct{}

// requestLogger returns the logger tagged with the request id.
func requestLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withRequestID(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		l := logger.With("request_id", id)
		l.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))
	})
}

func newRestHandler(logger *slog.Logger, ds *geotiff.Dataset, maxPixels int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", infoHandler(ds))
	mux.HandleFunc("GET /read", readHandler(ds, maxPixels))
	mux.HandleFunc("GET /checksum", checksumHandler(ds))
	mux.HandleFunc("GET /value/{y}/{x}", valueHandler(ds))
	mux.HandleFunc("POST /profile", profileHandler(ds))
	return withRequestID(logger, mux)
}

// rasterInfo describes the dataset with values structpb accepts.
func rasterInfo(ds *geotiff.Dataset) map[string]any {
	bw, bh := ds.BlockSize()
	gt := ds.GeoTransform()
	coeffs := make([]any, len(gt.Coeffs))
	for i, c := range gt.Coeffs {
		coeffs[i] = c
	}
	bands := make([]any, 0, ds.BandCount())
	for i := 1; i <= ds.BandCount(); i++ {
		b, err := ds.Band(i)
		if err != nil {
			continue
		}
		band := map[string]any{
			"index":       i,
			"data_type":   b.DataType().String(),
			"description": b.Description(),
		}
		if nd, ok := b.NoData(); ok && !math.IsNaN(nd) {
			band["nodata"] = nd
		}
		bands = append(bands, band)
	}
	files := make([]any, 0)
	for _, f := range ds.FileList() {
		files = append(files, f)
	}
	metadata := make(map[string]any)
	for _, it := range ds.Metadata().Items(geotiff.DomainDefault) {
		metadata[it.Key] = it.Value
	}

	info := map[string]any{
		"name":          ds.Name(),
		"width":         ds.Width(),
		"height":        ds.Height(),
		"block_width":   bw,
		"block_height":  bh,
		"compression":   compressionName(ds.Compression()),
		"bigtiff":       ds.BigTIFF(),
		"overviews":     ds.OverviewCount(),
		"bands":         bands,
		"geotransform":  coeffs,
		"georeferenced": gt.Valid(),
		"srs":           ds.SRS(),
		"files":         files,
		"metadata":      metadata,
	}
	if gt.Valid() {
		info["geotransform_source"] = gt.Source.String()
	}
	if bound, err := ds.Bounds(); err == nil {
		info["bounds"] = []any{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	}
	return info
}

func compressionName(code int) string {
	if name := codec.Name(code); name != "" {
		return name
	}
	return strconv.Itoa(code)
}

type readParams struct {
	x, y, width, height int
	outWidth, outHeight int
	bands               []int
	resampling          geotiff.Resampling
}

type readResult struct {
	width, height int
	dataType      string
	bands         []int
	// values holds one row-major slice per band.
	values [][]float64
}

func (r readResult) asMap() map[string]any {
	bands := make([]any, len(r.bands))
	for i, b := range r.bands {
		bands[i] = b
	}
	values := make([]any, len(r.values))
	for i, v := range r.values {
		row := make([]any, len(v))
		for j, f := range v {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				row[j] = nil
				continue
			}
			row[j] = f
		}
		values[i] = row
	}
	return map[string]any{
		"width":     r.width,
		"height":    r.height,
		"data_type": r.dataType,
		"bands":     bands,
		"values":    values,
	}
}

func parseResampling(s string) (geotiff.Resampling, error) {
	for _, r := range []geotiff.Resampling{geotiff.Nearest, geotiff.Bilinear, geotiff.Average} {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown resampling %q", s)
}

// readValues reads a window, at most maxPixels output pixels per band, as
// float64 values.
func readValues(ctx context.Context, ds *geotiff.Dataset, p readParams, maxPixels int) (readResult, error) {
	req := geotiff.ReadRequest{
		Width:      p.outWidth,
		Height:     p.outHeight,
		Bands:      p.bands,
		DataType:   geotiff.Float64,
		Resampling: p.resampling,
	}
	if p.width > 0 || p.height > 0 {
		req.Window = &geotiff.Window{X: p.x, Y: p.y, Width: p.width, Height: p.height}
	}
	w, h := req.Width, req.Height
	if w == 0 || h == 0 {
		w, h = ds.Width(), ds.Height()
		if req.Window != nil {
			w, h = req.Window.Width, req.Window.Height
		}
	}
	if maxPixels > 0 && int64(w)*int64(h) > int64(maxPixels) {
		return readResult{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", errTooLarge, w, h, maxPixels)
	}

	buf, err := ds.Read(ctx, req)
	if err != nil {
		return readResult{}, err
	}
	for _, warn := range buf.Warnings {
		requestLogger(ctx).Warn("read degraded", "error", warn)
	}
	res := readResult{width: buf.Width, height: buf.Height, dataType: ds.Geometry().DataType.String(), bands: buf.Bands}
	for i := range buf.Bands {
		vals := make([]float64, 0, buf.Width*buf.Height)
		for y := 0; y < buf.Height; y++ {
			for x := 0; x < buf.Width; x++ {
				v, _ := buf.Value(i, x, y)
				vals = append(vals, v)
			}
		}
		res.values = append(res.values, vals)
	}
	return res, nil
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errTooLarge), errors.Is(err, geotiff.ErrResourceLimit):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, geotiff.ErrBlockLocation):
		return http.StatusBadRequest
	case errors.Is(err, geotiff.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, geotiff.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= 500 {
		requestLogger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func infoHandler(ds *geotiff.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rasterInfo(ds))
	}
}

func readHandler(ds *geotiff.Dataset, maxPixels int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p readParams
		var err error
		for _, f := range []struct {
			name string
			dst  *int
		}{
			{"x", &p.x}, {"y", &p.y}, {"width", &p.width}, {"height", &p.height},
			{"out_width", &p.outWidth}, {"out_height", &p.outHeight},
		} {
			if *f.dst, err = queryInt(r, f.name, 0); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if s := r.URL.Query().Get("bands"); s != "" {
			for _, part := range strings.Split(s, ",") {
				b, err := strconv.Atoi(strings.TrimSpace(part))
				if err != nil {
					http.Error(w, fmt.Sprintf("invalid band %q", part), http.StatusBadRequest)
					return
				}
				p.bands = append(p.bands, b)
			}
		}
		if s := r.URL.Query().Get("resampling"); s != "" {
			if p.resampling, err = parseResampling(s); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		res, err := readValues(r.Context(), ds, p, maxPixels)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, res.asMap())
	}
}

func checksumHandler(ds *geotiff.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		band, err := queryInt(r, "band", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var win *geotiff.Window
		if r.URL.Query().Has("width") {
			win = &geotiff.Window{}
			for _, f := range []struct {
				name string
				dst  *int
			}{{"x", &win.X}, {"y", &win.Y}, {"width", &win.Width}, {"height", &win.Height}} {
				if *f.dst, err = queryInt(r, f.name, 0); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
			}
		}
		sum, err := ds.Checksum(r.Context(), band, win)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"band": band, "checksum": sum})
	}
}

func valueHandler(ds *geotiff.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		y, err := strconv.ParseFloat(r.PathValue("y"), 64)
		if err != nil {
			http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
			return
		}
		x, err := strconv.ParseFloat(r.PathValue("x"), 64)
		if err != nil {
			http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
			return
		}
		value, err := ds.AtCoord(r.Context(), x, y)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"y": y, "x": x, "value": value})
	}
}

func profileHandler(ds *geotiff.Dataset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req [][]float64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req) < 2 {
			http.Error(w, "at least two points are required for a profile", http.StatusBadRequest)
			return
		}
		profile, err := ds.Profile(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, profile)
	}
}
