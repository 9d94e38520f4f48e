// Package diagnostics writes the failure bundle for a session: page
// artifacts from the browser, the encoder log and a canonical metadata file.
package diagnostics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gowebpki/jcs"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("diagnostics")

const (
	metadataFile   = "metadata.json"
	digestFile     = "metadata.sha256"
	encoderLogFile = "encoder.log"
)

type Collector struct {
	root      string
	automator ports.BrowserAutomator
	now       func() time.Time
}

var _ ports.DiagnosticsCollector = (*Collector)(nil)

func NewCollector(root string, automator ports.BrowserAutomator) *Collector {
	return &Collector{root: root, automator: automator, now: time.Now}
}

type metadata struct {
	SessionID   string                   `json:"sessionId"`
	Code        domain.ReasonCode        `json:"code"`
	Cause       string                   `json:"cause"`
	CollectedAt time.Time                `json:"collectedAt"`
	Session     *domain.RecordingSession `json:"session"`
	Artifacts   ports.Artifacts          `json:"artifacts"`
	Problems    []string                 `json:"problems,omitempty"`
}

// Collect writes everything it can reach into <root>/<session id> and
// returns that directory. Missing pieces are reported in the returned error
// and in the metadata file; the directory is returned either way.
func (c *Collector) Collect(ctx context.Context, sess *domain.RecordingSession, cause error) (string, error) {
	dir := filepath.Join(c.root, sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}

	var problems []error
	var artifacts ports.Artifacts
	if c.automator != nil {
		a, err := c.automator.CollectArtifacts(ctx, sess.ID, dir)
		if err != nil {
			problems = append(problems, fmt.Errorf("page artifacts: %w", err))
		}
		artifacts = a
	}
	if sess.EncoderLog != "" {
		if err := copyFile(sess.EncoderLog, filepath.Join(dir, encoderLogFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			problems = append(problems, fmt.Errorf("encoder log: %w", err))
		}
	}

	meta := metadata{
		SessionID:   sess.ID,
		Code:        domain.CodeOf(cause),
		CollectedAt: c.now().UTC(),
		Session:     sess,
		Artifacts:   artifacts,
	}
	if cause != nil {
		meta.Cause = cause.Error()
	}
	for _, p := range problems {
		meta.Problems = append(meta.Problems, p.Error())
	}
	if err := writeMetadata(dir, meta); err != nil {
		problems = append(problems, err)
	}

	logger.Info("diagnostics collected",
		"session", sess.ID,
		"dir", dir,
		"code", meta.Code,
		"problems", len(problems))
	return dir, errors.Join(problems...)
}

// writeMetadata stores the RFC 8785 canonical form with its sha256 digest
// so bundles can be compared byte for byte.
func writeMetadata(dir string, meta metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), canonical, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	sum := sha256.Sum256(canonical)
	digest := hex.EncodeToString(sum[:]) + "  " + metadataFile + "\n"
	if err := os.WriteFile(filepath.Join(dir, digestFile), []byte(digest), 0o644); err != nil {
		return fmt.Errorf("write metadata digest: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
