package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SMIMemInfo is the VRAM usage of one card as reported by rocm-smi.
type SMIMemInfo struct {
	Device     string `json:"device"`
	TotalBytes uint64 `json:"totalBytes"`
	UsedBytes  uint64 `json:"usedBytes"`
}

// ErrSMINotFound is returned when rocm-smi is not installed.
var ErrSMINotFound = errors.New("rocm-smi not found")

// QuerySMI polls VRAM usage of every card using rocm-smi.
func QuerySMI(ctx context.Context) ([]SMIMemInfo, error) {
	cmd := exec.CommandContext(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrSMINotFound
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, errors.Wrapf(err, "rocm-smi failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, errors.Wrap(err, "run rocm-smi")
	}
	return ParseSMIMemInfo(bytes.NewReader(output))
}

// ParseSMIMemInfo parses the CSV printed by `rocm-smi --showmeminfo vram --csv`.
// Lines before the header row, such as banners, are skipped.
func ParseSMIMemInfo(r io.Reader) ([]SMIMemInfo, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parse rocm-smi output")
	}

	header := -1
	totalCol, usedCol := -1, -1
	for i, rec := range records {
		if len(rec) == 0 || !strings.EqualFold(rec[0], "device") {
			continue
		}
		for j, col := range rec {
			switch {
			case strings.Contains(col, "Total Used Memory"):
				usedCol = j
			case strings.Contains(col, "Total Memory"):
				totalCol = j
			}
		}
		header = i
		break
	}
	if header < 0 || totalCol < 0 || usedCol < 0 {
		return nil, errors.New("rocm-smi output has no VRAM header")
	}

	var infos []SMIMemInfo
	for _, rec := range records[header+1:] {
		if len(rec) <= totalCol || len(rec) <= usedCol {
			continue
		}
		total, err := strconv.ParseUint(rec[totalCol], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse total memory of %s", rec[0])
		}
		used, err := strconv.ParseUint(rec[usedCol], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse used memory of %s", rec[0])
		}
		infos = append(infos, SMIMemInfo{Device: rec[0], TotalBytes: total, UsedBytes: used})
	}
	return infos, nil
}
