// Package agent is the local side of the prefill lifecycle: it fetches an
// intent, prepares the form fill, and reports the outcome.
package agent

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/jobly/internal/model"
)

// PlanFileName is the file PlanFiller writes under each intent's directory.
const PlanFileName = "fill-plan.yaml"

// FillOptions controls a single fill.
type FillOptions struct {
	StopBeforeSubmit bool
}

// FillResult is what a Filler observed while filling the form.
type FillResult struct {
	DetectedATS         string
	DetectionConfidence float64
	FilledFields        []model.FilledField
	MissingFields       []string
	Errors              []model.FieldError
	ResumeAttached      bool
	AttachmentErrors    []string
	ScreenshotPaths     []string
	FieldMappings       map[string]model.FieldMapping
}

// Filler fills an application form from an intent's payload.
type Filler interface {
	Fill(ctx context.Context, intent *model.PrefillIntent, opts FillOptions) (*FillResult, error)
}

// PlanFiller never touches a browser. It resolves every field to the text
// that would be entered, checks attachments on disk, and writes the result as
// a YAML plan for review.
type PlanFiller struct {
	outputDir string
	clock     clock.Clock
}

// NewPlanFiller creates a filler that writes plans below outputDir.
func NewPlanFiller(outputDir string, c clock.Clock) *PlanFiller {
	if c == nil {
		c = clock.New()
	}
	return &PlanFiller{outputDir: outputDir, clock: c}
}

type fillPlan struct {
	IntentID         string            `yaml:"intent_id"`
	ApplicationID    string            `yaml:"application_id,omitempty"`
	JobURL           string            `yaml:"job_url"`
	StopBeforeSubmit bool              `yaml:"stop_before_submit"`
	GeneratedAt      time.Time         `yaml:"generated_at"`
	Fields           []planField       `yaml:"fields"`
	Attachments      []planAttachment  `yaml:"attachments,omitempty"`
	CommonAnswers    map[string]string `yaml:"common_answers,omitempty"`
}

type planField struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
	Error string `yaml:"error,omitempty"`
}

type planAttachment struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Exists bool   `yaml:"exists"`
}

// Fill implements Filler.
func (f *PlanFiller) Fill(ctx context.Context, intent *model.PrefillIntent, opts FillOptions) (*FillResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := f.intentDir(intent.ID)
	if err != nil {
		return nil, err
	}

	res := &FillResult{}
	plan := fillPlan{
		IntentID:         intent.ID,
		ApplicationID:    intent.ApplicationID,
		JobURL:           intent.JobURL,
		StopBeforeSubmit: opts.StopBeforeSubmit,
		GeneratedAt:      f.clock.Now().UTC(),
		CommonAnswers:    intent.CommonAnswers,
	}

	for _, name := range sortedKeys(intent.UserFields) {
		v := intent.UserFields[name]
		// Composed form, as a user would type it.
		pf := planField{Name: name, Kind: string(v.Kind), Value: norm.NFC.String(v.Text())}

		switch {
		case v.Kind == model.ValueString && strings.TrimSpace(v.Str) == "":
			res.MissingFields = append(res.MissingFields, name)
			continue
		case v.Kind == model.ValueFile && !fileExists(v.File):
			pf.Error = "file not found"
			res.FilledFields = append(res.FilledFields, model.FilledField{FieldName: name, Value: &v, Error: pf.Error})
			res.Errors = append(res.Errors, model.FieldError{Field: name, ErrorMessage: "file not found: " + v.File})
		default:
			res.FilledFields = append(res.FilledFields, model.FilledField{FieldName: name, Value: &v, Success: true})
		}
		plan.Fields = append(plan.Fields, pf)
	}

	for _, name := range sortedKeys(intent.Attachments) {
		path := intent.Attachments[name]
		ok := fileExists(path)
		plan.Attachments = append(plan.Attachments, planAttachment{Name: name, Path: path, Exists: ok})
		switch {
		case !ok:
			res.AttachmentErrors = append(res.AttachmentErrors, name+": file not found: "+path)
		case name == "resume":
			res.ResumeAttached = true
		}
	}

	if err := writePlan(filepath.Join(dir, PlanFileName), &plan); err != nil {
		return nil, err
	}
	return res, nil
}

// PlanPath returns where the plan for intentID is written.
func (f *PlanFiller) PlanPath(intentID string) string {
	return filepath.Join(f.outputDir, intentID, PlanFileName)
}

func (f *PlanFiller) intentDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", eris.Errorf("agent: unusable intent id %q", id)
	}
	dir := filepath.Join(f.outputDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "agent: create %s", dir)
	}
	return dir, nil
}

func writePlan(path string, plan *fillPlan) error {
	data, err := yaml.Marshal(plan)
	if err != nil {
		return eris.Wrap(err, "agent: marshal plan")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return eris.Wrapf(err, "agent: write %s", path)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
