// Package artifacts persists per-build outputs: the snapshot log and the run directory.
// Every write here is best effort and reports failures instead of returning them.
package artifacts

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/irfndi/coin-rag/internal/models"
	"github.com/sirupsen/logrus"
)

// RunDirLayout is the time prefix of a run directory name.
const RunDirLayout = "2006-01-02_15-04-05"

// runIDPrefix is how much of the run id follows the time in a run directory name.
const runIDPrefix = 8

// Artifact names used in reports and metrics
const (
	ArtifactSnapshot = "snapshot"
	ArtifactProfiles = "profiles_json"
	ArtifactScores   = "scores_csv"
)

// ScoresHeader is the column order of scores.csv.
var ScoresHeader = []string{
	"coin", "score",
	models.FeatureNewsSent, models.FeatureGeneralSent, models.FeatureFocusSent,
	models.FeatureFlowZ, models.FeatureMentionsZ, models.FeatureTwitterSent,
	"confidence", "evidence", "mode",
}

// Failure is one artifact that could not be written.
type Failure struct {
	Artifact string `json:"artifact"`
	Err      error  `json:"-"`
}

// Report collects the outcome of one artifact pass.
type Report struct {
	RunDir   string
	Written  []string
	Failures []Failure
}

// OK reports whether every artifact was written.
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// Messages renders failures for inclusion in a build result.
func (r Report) Messages() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, fmt.Sprintf("%s: %v", f.Artifact, f.Err))
	}
	return out
}

func (r *Report) fail(artifact string, err error) {
	r.Failures = append(r.Failures, Failure{Artifact: artifact, Err: err})
}

// Writer writes the snapshot log and run directories.
type Writer struct {
	artifactsDir string
	snapshotPath string
	logger       *logrus.Logger
}

// NewWriter creates a writer. An empty path disables that artifact.
func NewWriter(artifactsDir, snapshotPath string, logger *logrus.Logger) *Writer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Writer{artifactsDir: artifactsDir, snapshotPath: snapshotPath, logger: logger}
}

// RunDirName names the run directory of ix: the build time to the second, then
// the start of the run id so two builds in the same second do not share a directory.
func RunDirName(ix *models.Index) string {
	name := ix.UpdatedAt.Format(RunDirLayout)
	id := ix.RunID
	if len(id) > runIDPrefix {
		id = id[:runIDPrefix]
	}
	if id == "" {
		return name
	}
	return name + "_" + id
}

// Write appends the snapshot and writes the run directory for ix.
func (w *Writer) Write(ix *models.Index) Report {
	var report Report

	if w.snapshotPath != "" {
		if err := AppendSnapshot(w.snapshotPath, models.NewSnapshot(ix)); err != nil {
			report.fail(ArtifactSnapshot, err)
		} else {
			report.Written = append(report.Written, w.snapshotPath)
		}
	}

	if w.artifactsDir != "" {
		runDir := filepath.Join(w.artifactsDir, RunDirName(ix))
		report.RunDir = runDir
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			report.fail(ArtifactProfiles, err)
			report.fail(ArtifactScores, err)
		} else {
			profilesPath := filepath.Join(runDir, "profiles.json")
			if err := writeProfiles(profilesPath, ix); err != nil {
				report.fail(ArtifactProfiles, err)
			} else {
				report.Written = append(report.Written, profilesPath)
			}
			scoresPath := filepath.Join(runDir, "scores.csv")
			if err := writeScores(scoresPath, ix); err != nil {
				report.fail(ArtifactScores, err)
			} else {
				report.Written = append(report.Written, scoresPath)
			}
		}
	}

	for _, f := range report.Failures {
		w.logger.WithFields(logrus.Fields{
			"artifact": f.Artifact,
			"run_id":   ix.RunID,
		}).WithError(f.Err).Warn("Artifact write failed")
	}
	return report
}

// AppendSnapshot appends one JSON line to the snapshot log, creating it if needed.
func AppendSnapshot(path string, snap models.Snapshot) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}
	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open snapshot log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return f.Close()
}

func writeProfiles(path string, ix *models.Index) error {
	data, err := json.MarshalIndent(ix.Entries(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func writeScores(path string, ix *models.Index) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(f)
	cw := csv.NewWriter(buf)

	if err := cw.Write(ScoresHeader); err != nil {
		_ = f.Close()
		return err
	}
	for _, p := range ix.Entries() {
		b := p.ScoreBreakdown
		record := []string{
			p.Asset,
			formatFloat(p.Score),
			formatFloat(b.NewsSent),
			formatFloat(b.GeneralSent),
			formatFloat(b.FocusSent),
			formatFloat(b.FlowZ),
			formatFloat(b.MentionsZ),
			formatFloat(b.TwitterSent),
			formatFloat(p.Confidence),
			strconv.Itoa(p.Evidence),
			b.Mode,
		}
		if err := cw.Write(record); err != nil {
			_ = f.Close()
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
