package artifacts

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"

	"github.com/irfndi/coin-rag/internal/models"
)

// maxSnapshotLine bounds a single snapshot record.
const maxSnapshotLine = 16 << 20

// SequenceReader replays an asset's past feature vectors from the snapshot log.
type SequenceReader struct {
	path string
}

// NewSequenceReader reads from the snapshot log at path.
func NewSequenceReader(path string) *SequenceReader {
	return &SequenceReader{path: path}
}

// Recent returns up to n of the asset's most recent feature vectors, oldest first.
// A missing or unreadable log yields an empty sequence; malformed lines are skipped.
func (r *SequenceReader) Recent(asset string, n int) []models.FeatureVector {
	if r == nil || r.path == "" || n <= 0 {
		return []models.FeatureVector{}
	}
	f, err := os.Open(r.path)
	if err != nil {
		return []models.FeatureVector{}
	}
	defer f.Close()

	type point struct {
		ts  float64
		vec models.FeatureVector
	}
	var points []point

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)
	for scanner.Scan() {
		var snap models.Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			continue
		}
		p, ok := snap.Profiles[asset]
		if !ok || p == nil {
			continue
		}
		points = append(points, point{ts: snap.TS, vec: p.ScoreBreakdown.Vector()})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].ts < points[j].ts })
	if len(points) > n {
		points = points[len(points)-n:]
	}
	out := make([]models.FeatureVector, 0, len(points))
	for _, p := range points {
		out = append(out, p.vec)
	}
	return out
}
