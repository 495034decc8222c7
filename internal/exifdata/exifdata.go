// Package exifdata extracts embedded capture metadata from raw image bytes.
// Extraction is best-effort: callers log failures and carry on, so an image
// with corrupt or missing EXIF still ingests with empty metadata.
package exifdata

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Metadata holds the capture fields we persist. All fields are optional;
// numeric fields are coerced to numeric types or left nil, never kept as
// unparsed strings.
type Metadata struct {
	CapturedAt   *time.Time
	CameraMake   string
	CameraModel  string
	LensModel    string
	FocalLength  *float64
	Aperture     *float64
	ShutterSpeed string // rendered as a human string, e.g. "1/250s"
	ISO          *int
	Flash        *bool
	Width        *int
	Height       *int
	GPSLatitude  *float64
	GPSLongitude *float64
	GPSAltitude  *float64
}

const exifTimeLayout = "2006:01:02 15:04:05"

// Extract parses EXIF metadata out of data. Non-image MIME types return an
// empty Metadata with no error; a corrupt or EXIF-less image returns an
// empty Metadata and the decode error for the caller to log.
func Extract(data []byte, mime string) (Metadata, error) {
	var md Metadata

	if !strings.HasPrefix(mime, "image/") {
		return md, nil
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return md, fmt.Errorf("exif decode: %w", err)
	}

	if t, ok := tagTime(x, exif.DateTimeOriginal); ok {
		md.CapturedAt = &t
	} else if t, ok := tagTime(x, exif.DateTime); ok {
		md.CapturedAt = &t
	}

	md.CameraMake = tagString(x, exif.Make)
	md.CameraModel = tagString(x, exif.Model)
	md.LensModel = tagString(x, exif.LensModel)

	if f, ok := tagFloat(x, exif.FocalLength); ok {
		md.FocalLength = &f
	}
	if f, ok := tagFloat(x, exif.FNumber); ok {
		md.Aperture = &f
	}
	md.ShutterSpeed = exposureString(x)

	if n, ok := tagInt(x, exif.ISOSpeedRatings); ok {
		md.ISO = &n
	}
	if n, ok := tagInt(x, exif.Flash); ok {
		fired := n&1 == 1
		md.Flash = &fired
	}
	if n, ok := tagInt(x, exif.PixelXDimension); ok {
		md.Width = &n
	}
	if n, ok := tagInt(x, exif.PixelYDimension); ok {
		md.Height = &n
	}

	if lat, lon, err := x.LatLong(); err == nil {
		md.GPSLatitude = &lat
		md.GPSLongitude = &lon
	}
	if alt, ok := tagFloat(x, exif.GPSAltitude); ok {
		md.GPSAltitude = &alt
	}

	return md, nil
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(s), "\x00")
}

func tagTime(x *exif.Exif, name exif.FieldName) (time.Time, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return time.Time{}, false
	}
	s, err := tag.StringVal()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(exifTimeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func tagFloat(x *exif.Exif, name exif.FieldName) (float64, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

func tagInt(x *exif.Exif, name exif.FieldName) (int, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, false
	}
	n, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return n, true
}

// exposureString renders ExposureTime as a human string like "1/250s" or "2s".
func exposureString(x *exif.Exif) string {
	tag, err := x.Get(exif.ExposureTime)
	if err != nil {
		return ""
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return ""
	}
	if den == 1 {
		return fmt.Sprintf("%ds", num)
	}
	if num != 1 && num != 0 && den%num == 0 {
		// Normalize e.g. 10/2500 to 1/250
		return fmt.Sprintf("1/%ds", den/num)
	}
	return fmt.Sprintf("%d/%ds", num, den)
}
