package sparsedb

import (
	"bufio"
	"encoding/xml"
	"path/filepath"
	"sort"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// experimentXML is the summary sidecar's root element: a human- and
// tool-readable description of the run an experiment directory holds,
// alongside the binary meta/profile/cct/trace files (§6).
type experimentXML struct {
	XMLName xml.Name          `xml:"HPCToolkitExperiment"`
	Version string            `xml:"version,attr"`
	Title   string            `xml:"Title"`
	Env     []experimentEnv   `xml:"Environment>Entry"`
	Metrics []experimentMetric `xml:"MetricTable>Metric"`
}

type experimentEnv struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type experimentMetric struct {
	ID          uint16 `xml:"id,attr"`
	Name        string `xml:"name,attr"`
	Description string `xml:"description,attr,omitempty"`
}

// ExperimentWriter emits experiment.xml, the plain-text index of the
// binary database files (§6's "title and provenance").
type ExperimentWriter struct {
	driver *pipeline.Driver
	outDir string
	Title  string
}

func NewExperimentWriter(driver *pipeline.Driver, outDir, title string) *ExperimentWriter {
	return &ExperimentWriter{driver: driver, outDir: outDir, Title: title}
}

func (w *ExperimentWriter) Name() string              { return "experiment.xml" }
func (w *ExperimentWriter) Accepts() pipeline.DataClass { return pipeline.ClassAttributes }
func (w *ExperimentWriter) Demands() pipeline.DataClass { return 0 }
func (w *ExperimentWriter) Notify(_ pipeline.DataClass) error { return nil }

func (w *ExperimentWriter) Write() error {
	metrics := w.driver.Metrics()
	profile.AssignIdentifiers(metrics)
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].ID < metrics[j].ID })

	attrs := w.driver.Attributes()
	keys := make([]string, 0, len(attrs.Environment))
	for k := range attrs.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := experimentXML{Version: "4.0", Title: w.Title}
	for _, k := range keys {
		doc.Env = append(doc.Env, experimentEnv{Key: k, Value: attrs.Environment[k]})
	}
	for _, m := range metrics {
		doc.Metrics = append(doc.Metrics, experimentMetric{
			ID:          uint16(m.Identifier.ForMetric()),
			Name:        m.Name,
			Description: m.Description,
		})
	}

	return support.WriteStaged(filepath.Join(w.outDir, "experiment.xml"), func(bw *bufio.Writer) error {
		if _, err := bw.WriteString(xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(bw)
		enc.Indent("", "  ")
		return enc.Encode(doc)
	})
}
