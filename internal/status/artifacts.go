package status

import (
	"io/fs"
	"path/filepath"
	"strings"
)

const miB = 1 << 20

// artifactSizes maps model identifier substrings to the expected total size
// of the downloadable artifact set. Checked in order; first match wins. The
// figures are approximate and only feed the progress estimate.
var artifactSizes = []struct {
	substr string
	bytes  uint64
}{
	{"kokoro-v1.0", 327 * miB},
	{"kokoro-v0.19", 345 * miB},
	{"kokoro", 330 * miB},
}

// estimateArtifactSize returns 0 when no table entry matches; callers then
// fall back to raw byte reporting.
func estimateArtifactSize(modelID string) uint64 {
	id := strings.ToLower(modelID)
	for _, a := range artifactSizes {
		if strings.Contains(id, a.substr) {
			return a.bytes
		}
	}
	return 0
}

// dirSize recursively sums regular file sizes under root. Errors are ignored:
// a file vanishing mid-walk is normal while a download is in flight.
func dirSize(root string) uint64 {
	var total uint64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
