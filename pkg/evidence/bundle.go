// Package evidence assembles the signed zip a build pipeline blocks on.
//
// A bundle is verifiable offline: summary.json + summary.sig + the
// public key of the recorded key id prove the verdict, and
// artifacts.json carries the SHA-256 of every other enclosed file.
package evidence

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"sort"

	"github.com/edgegate/edgegate/pkg/signing"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

const BundleVersion = "1.0"

type SummaryInputModel struct {
	ArtifactId string `json:"artifact_id"`
	Sha256     string `json:"sha256"`
}

type SummaryInputPromptPack struct {
	PromptPackId string `json:"promptpack_id"`
	Version      string `json:"version"`
	Sha256       string `json:"sha256"`
}

type SummaryDevice struct {
	DeviceId   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type SummaryInputs struct {
	Model      SummaryInputModel      `json:"model"`
	PromptPack SummaryInputPromptPack `json:"promptpack"`
	Devices    []SummaryDevice        `json:"devices"`
}

type SummaryResults struct {
	Status            string          `json:"status"`
	NormalizedMetrics json.RawMessage `json:"normalized_metrics"`
	GatesEvaluation   json.RawMessage `json:"gates_evaluation"`
}

type SummaryArtifact struct {
	Path   string `json:"path"`
	Sha256 string `json:"sha256"`
}

type SummarySigning struct {
	Algo        string `json:"algo"`
	PublicKeyId string `json:"public_key_id"`
}

// Summary is the normative summary.json document. Its canonical-JSON
// form is what summary.sig signs.
type Summary struct {
	BundleVersion    string            `json:"bundle_version"`
	WorkspaceId      string            `json:"workspace_id"`
	PipelineId       string            `json:"pipeline_id"`
	RunId            string            `json:"run_id"`
	CreatedAt        string            `json:"created_at"`
	Inputs           SummaryInputs     `json:"inputs"`
	CapabilitiesRef  string            `json:"capabilities_ref"`
	MetricMappingRef string            `json:"metric_mapping_ref"`
	Results          SummaryResults    `json:"results"`
	Artifacts        []SummaryArtifact `json:"artifacts"`
	Signing          SummarySigning    `json:"signing"`
}

// Blob is a referenced raw payload carried inside the bundle under its
// subtree (raw/, mapping/, capabilities/).
type Blob struct {
	Path    string
	Content []byte
}

type manifestEntry struct {
	Path   string `json:"path"`
	Sha256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Build assembles, signs and zips the bundle.
//
// summary.Artifacts and summary.Signing are filled here; callers supply
// everything else.
func Build(summary Summary, blobs []Blob, signer *signing.Signer) ([]byte, error) {
	summary.BundleVersion = BundleVersion
	summary.Signing = SummarySigning{Algo: "ed25519", PublicKeyId: signer.KeyId()}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Path < blobs[j].Path })

	summary.Artifacts = make([]SummaryArtifact, 0, len(blobs))
	for _, b := range blobs {
		summary.Artifacts = append(summary.Artifacts, SummaryArtifact{
			Path: b.Path, Sha256: hexSHA256(b.Content),
		})
	}

	summaryBytes, err := MarshalCanonical(summary)
	if err != nil {
		return nil, xe.WrapWithNote("summary does not canonicalize", err)
	}
	sig := []byte(base64.StdEncoding.EncodeToString(signer.Sign(summaryBytes)) + "\n")

	report, err := renderReport(summary)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	// artifacts.json lists every other file in the zip, summary included.
	manifest := []manifestEntry{
		{Path: "summary.json", Sha256: hexSHA256(summaryBytes), Bytes: int64(len(summaryBytes))},
		{Path: "summary.sig", Sha256: hexSHA256(sig), Bytes: int64(len(sig))},
		{Path: "report.html", Sha256: hexSHA256(report), Bytes: int64(len(report))},
	}
	for _, b := range blobs {
		manifest = append(manifest, manifestEntry{
			Path: b.Path, Sha256: hexSHA256(b.Content), Bytes: int64(len(b.Content)),
		})
	}
	manifestBytes, err := MarshalCanonical(manifest)
	if err != nil {
		return nil, xe.Wrap(err)
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	files := []Blob{
		{Path: "summary.json", Content: summaryBytes},
		{Path: "summary.sig", Content: sig},
		{Path: "report.html", Content: report},
		{Path: "artifacts.json", Content: manifestBytes},
	}
	files = append(files, blobs...)

	for _, f := range files {
		w, err := zw.Create(f.Path)
		if err != nil {
			return nil, xe.Wrap(err)
		}
		if _, err := w.Write(f.Content); err != nil {
			return nil, xe.Wrap(err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, xe.Wrap(err)
	}

	return buf.Bytes(), nil
}

func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>EdgeGate run {{.RunId}}</title></head>
<body>
<h1>Run {{.RunId}}</h1>
<p>Pipeline {{.PipelineId}} in workspace {{.WorkspaceId}}, created {{.CreatedAt}}.</p>
<h2>Verdict: {{.Results.Status}}</h2>
<p>Model {{.Inputs.Model.Sha256}}, promptpack {{.Inputs.PromptPack.PromptPackId}}
version {{.Inputs.PromptPack.Version}}.</p>
<h2>Devices</h2>
<ul>{{range .Inputs.Devices}}<li>{{.DeviceName}} ({{.DeviceId}})</li>{{end}}</ul>
<h2>Enclosed artifacts</h2>
<table border="1"><tr><th>path</th><th>sha256</th></tr>
{{range .Artifacts}}<tr><td>{{.Path}}</td><td><code>{{.Sha256}}</code></td></tr>{{end}}
</table>
<p>Signed with {{.Signing.Algo}} key <code>{{.Signing.PublicKeyId}}</code>.
Verify summary.sig against the canonical bytes of summary.json.</p>
</body>
</html>
`))

func renderReport(s Summary) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := reportTemplate.Execute(buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
