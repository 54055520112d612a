package codec

import (
	"encoding/binary"
	"fmt"
)

// undoPredictor reverses horizontal or floating point differencing in place.
// buf holds whole rows in file byte order.
func undoPredictor(buf []byte, b Block) error {
	switch b.Predictor {
	case PredictorHorizontal:
		return undoHorizontal(buf, b)
	case PredictorFloatingPoint:
		return undoFloatingPoint(buf, b)
	}
	return fmt.Errorf("%w: predictor %d", ErrCorrupt, b.Predictor)
}

func undoHorizontal(buf []byte, b Block) error {
	spp := b.SamplesPerPixel
	rowBytes := b.RowBytes()
	order := b.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	// complex samples are differenced per component
	bits := b.BitsPerSample
	if b.SampleFormat == 5 || b.SampleFormat == 6 {
		bits /= 2
		spp *= 2
	}
	for y := 0; y < b.Height; y++ {
		row := buf[y*rowBytes : (y+1)*rowBytes]
		switch bits {
		case 8:
			for i := spp; i < len(row); i++ {
				row[i] += row[i-spp]
			}
		case 16:
			for i := spp; i < len(row)/2; i++ {
				v := order.Uint16(row[2*i:]) + order.Uint16(row[2*(i-spp):])
				order.PutUint16(row[2*i:], v)
			}
		case 32:
			for i := spp; i < len(row)/4; i++ {
				v := order.Uint32(row[4*i:]) + order.Uint32(row[4*(i-spp):])
				order.PutUint32(row[4*i:], v)
			}
		case 64:
			for i := spp; i < len(row)/8; i++ {
				v := order.Uint64(row[8*i:]) + order.Uint64(row[8*(i-spp):])
				order.PutUint64(row[8*i:], v)
			}
		default:
			return fmt.Errorf("%w: horizontal predictor with %d bits per sample", ErrCorrupt, b.BitsPerSample)
		}
	}
	return nil
}

// undoFloatingPoint reverses predictor 3: bytes of each row are stored as
// planes (most significant byte first across all samples) and byte differenced.
func undoFloatingPoint(buf []byte, b Block) error {
	bps := b.BitsPerSample / 8
	switch bps {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w: floating point predictor with %d bits per sample", ErrCorrupt, b.BitsPerSample)
	}
	spp := b.SamplesPerPixel
	rowBytes := b.RowBytes()
	wc := rowBytes / bps
	little := b.ByteOrder != binary.BigEndian
	tmp := make([]byte, rowBytes)
	for y := 0; y < b.Height; y++ {
		row := buf[y*rowBytes : (y+1)*rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for s := 0; s < wc; s++ {
			for k := 0; k < bps; k++ {
				plane := k
				if little {
					plane = bps - 1 - k
				}
				row[bps*s+k] = tmp[plane*wc+s]
			}
		}
	}
	return nil
}
