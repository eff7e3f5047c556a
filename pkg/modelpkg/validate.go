// Package modelpkg verifies the packaging shape of an uploaded model.
// It never executes or interprets model contents; the only sniffing it
// does is a best-effort scan for the external-data reference, and even
// that downgrades to a recorded warning on failure.
package modelpkg

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/edgegate/edgegate/pkg/domain"
)

type PackageKind string

const (
	// ONNXSingle: exactly one .onnx file and nothing else of interest.
	ONNXSingle PackageKind = "ONNX_SINGLE"

	// ONNXExternal: exactly one .onnx plus exactly one .data.
	ONNXExternal PackageKind = "ONNX_EXTERNAL"

	// AIMETQuant: a *.aimet container directory holding one .onnx, one
	// .encodings and optionally one .data.
	AIMETQuant PackageKind = "AIMET_QUANT"
)

type Result struct {
	Kind PackageKind

	// Warnings record best-effort checks that could not complete.
	// They never cause rejection.
	Warnings []string
}

// Validate inspects a model upload. A bare .onnx filename is accepted
// as ONNX_SINGLE without opening the bytes; anything else must be a zip
// archive matching one of the accepted shapes.
func Validate(filename string, r io.ReaderAt, size int64) (Result, error) {
	if strings.HasSuffix(strings.ToLower(filename), ".onnx") {
		return Result{Kind: ONNXSingle}, nil
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Result{}, domain.NewRunError(
			domain.ErrcodeInvalidModelPackage,
			"model upload is neither a .onnx file nor a zip archive",
		)
	}
	return validateArchive(zr)
}

func validateArchive(zr *zip.Reader) (Result, error) {
	var onnx, data, encodings []*zip.File
	aimetDir := ""

	for _, f := range zr.File {
		name := f.Name
		if strings.HasSuffix(name, "/") {
			if strings.Contains(path.Base(strings.TrimSuffix(name, "/")), ".aimet") {
				aimetDir = name
			}
			continue
		}
		if dir := path.Dir(name); dir != "." && strings.Contains(path.Base(dir), ".aimet") {
			aimetDir = dir + "/"
		}
		switch {
		case strings.HasSuffix(name, ".onnx"):
			onnx = append(onnx, f)
		case strings.HasSuffix(name, ".data"):
			data = append(data, f)
		case strings.HasSuffix(name, ".encodings"):
			encodings = append(encodings, f)
		}
	}

	if aimetDir != "" {
		return validateAIMET(onnx, data, encodings)
	}

	switch {
	case len(onnx) == 1 && len(data) == 0 && len(encodings) == 0:
		return Result{Kind: ONNXSingle}, nil

	case len(onnx) == 1 && len(data) == 1 && len(encodings) == 0:
		res := Result{Kind: ONNXExternal}
		if w := checkExternalDataRef(onnx[0], data[0]); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
		return res, nil
	}

	return Result{}, domain.NewRunError(
		domain.ErrcodeInvalidModelPackage,
		shapeCause(len(onnx), len(data), len(encodings)),
	)
}

func validateAIMET(onnx, data, encodings []*zip.File) (Result, error) {
	if len(onnx) == 1 && len(encodings) == 1 && len(data) <= 1 {
		return Result{Kind: AIMETQuant}, nil
	}
	return Result{}, domain.NewRunError(
		domain.ErrcodeInvalidModelPackage,
		".aimet container must hold exactly one .onnx, one .encodings and at most one .data; found "+
			shapeCause(len(onnx), len(data), len(encodings)),
	)
}

func shapeCause(onnx, data, encodings int) string {
	b := strings.Builder{}
	b.WriteString("archive shape not accepted: ")
	for i, c := range []struct {
		n    int
		kind string
	}{{onnx, ".onnx"}, {data, ".data"}, {encodings, ".encodings"}} {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(itoa(c.n))
		b.WriteString("x ")
		b.WriteString(c.kind)
	}
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for 0 < n {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// checkExternalDataRef scans the ONNX bytes for the .data file's base
// name. ONNX stores external-data locations as embedded strings, so a
// raw scan finds well-formed references without parsing protobuf.
// Any failure is reported as a warning, not a rejection.
func checkExternalDataRef(onnx *zip.File, data *zip.File) string {
	rc, err := onnx.Open()
	if err != nil {
		return "could not open " + onnx.Name + " for external-data check: " + err.Error()
	}
	defer rc.Close()

	const window = 4 * 1024 * 1024
	raw, err := io.ReadAll(io.LimitReader(rc, window))
	if err != nil {
		return "could not read " + onnx.Name + " for external-data check: " + err.Error()
	}

	want := path.Base(data.Name)
	if !bytes.Contains(raw, []byte(want)) {
		return onnx.Name + " does not reference " + want + " in its first " +
			itoa(window/(1024*1024)) + " MiB; external-data link unverified"
	}
	return ""
}
