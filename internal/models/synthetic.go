package models

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	syntheticPrefix = "active-"
	unknownFilename = "unknown"
)

// SyntheticKey identifies a job seen on the status stream before the
// controller has assigned its own id. Run distinguishes reprints of the same
// file; run 0 renders as "active-<filename>-<printer_id>".
type SyntheticKey struct {
	PrinterID int64
	Filename  string
	Run       int
}

func (k SyntheticKey) String() string {
	s := fmt.Sprintf("%s%s-%d", syntheticPrefix, k.Filename, k.PrinterID)
	if k.Run > 0 {
		s += "#" + strconv.Itoa(k.Run)
	}
	return s
}

// IsSyntheticID reports whether a job id was produced by SyntheticKey.String.
func IsSyntheticID(jobID string) bool {
	return strings.HasPrefix(jobID, syntheticPrefix)
}

// ParseSyntheticKey reverses SyntheticKey.String. Filenames may contain '-'
// so the printer id is taken from the last separator.
func ParseSyntheticKey(jobID string) (SyntheticKey, bool) {
	if !IsSyntheticID(jobID) {
		return SyntheticKey{}, false
	}
	body := strings.TrimPrefix(jobID, syntheticPrefix)

	run := 0
	if i := strings.LastIndexByte(body, '#'); i >= 0 {
		if n, err := strconv.Atoi(body[i+1:]); err == nil {
			if n < 1 {
				return SyntheticKey{}, false
			}
			run = n
			body = body[:i]
		}
	}

	i := strings.LastIndexByte(body, '-')
	if i <= 0 {
		return SyntheticKey{}, false
	}
	printerID, err := strconv.ParseInt(body[i+1:], 10, 64)
	if err != nil {
		return SyntheticKey{}, false
	}
	return SyntheticKey{PrinterID: printerID, Filename: body[:i], Run: run}, true
}

// NormalizeFilename strips the controller's ".cache/" prefix and substitutes
// "unknown" for an empty name.
func NormalizeFilename(name string) string {
	name = strings.TrimPrefix(name, ".cache/")
	if name == "" {
		return unknownFilename
	}
	return name
}
