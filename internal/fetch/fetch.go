// Package fetch assembles the model context for an entity: its previous
// PINAX record, text components, OCR sidecars, and the PINAX records of its
// children. Assembly is best-effort; individual fetch failures are logged
// and skipped.
package fetch

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Arke-Institute/arke-metadata-service/internal/arke"
	"github.com/Arke-Institute/arke-metadata-service/internal/pinax"
	"github.com/Arke-Institute/arke-metadata-service/internal/truncate"
)

// Component labels never treated as text content.
var reservedNames = map[string]bool{
	"pinax.json":      true,
	"cheimarros.json": true,
	"description.md":  true,
}

// textExtensions are the component suffixes treated as text content.
var textExtensions = []string{
	".txt", ".md", ".json", ".xml", ".html", ".htm", ".csv", ".tsv",
	".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".log", ".rst",
	".tex", ".rtf", ".asc", ".nfo",
}

const (
	// PinaxComponent is the component label PINAX records publish under.
	PinaxComponent = "pinax.json"

	// SidecarSuffix marks OCR sidecar components.
	SidecarSuffix = ".ref.json"

	// previousPinaxName tags the entity's prior record in the file list.
	previousPinaxName = "[PREVIOUS] pinax.json"
)

// File is one named piece of context text.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Bundle is the assembled context for one entity.
type Bundle struct {
	DirectoryName string         `json:"directory_name"`
	Files         []File         `json:"files"`
	ExistingPinax pinax.Record   `json:"existing_pinax,omitempty"`
	Truncation    truncate.Stats `json:"-"`
}

// Store is the subset of the archive client the fetcher needs.
type Store interface {
	GetEntity(ctx context.Context, pi string) (*arke.Entity, error)
	Download(ctx context.Context, cid string) ([]byte, error)
}

// Fetcher builds context bundles from the archive store.
type Fetcher struct {
	store  Store
	logger *slog.Logger

	// Token budget for the assembled files.
	maxTokens  int
	proportion float64
}

// Config configures a Fetcher.
type Config struct {
	Store           Store
	Logger          *slog.Logger
	ModelMaxTokens  int
	TokenProportion float64
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:      cfg.Store,
		logger:     logger,
		maxTokens:  cfg.ModelMaxTokens,
		proportion: cfg.TokenProportion,
	}
}

// task is one pending download with its position in the assembled list.
type task struct {
	name  string
	fetch func(ctx context.Context) (string, string, error) // returns name, content
}

// Fetch assembles the context bundle for a PI and fits it to the token
// budget. Only the entity snapshot fetch is fatal; everything else is
// skipped on failure.
func (f *Fetcher) Fetch(ctx context.Context, pi string) (*Bundle, error) {
	entity, err := f.store.GetEntity(ctx, pi)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{DirectoryName: DirectoryName(entity)}
	tasks := f.planTasks(entity)

	// Fan out the downloads; results land at their planned index so the
	// assembled order is stable regardless of completion order.
	type result struct {
		name    string
		content string
		ok      bool
	}
	results := make([]result, len(tasks))

	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			name, content, err := tk.fetch(ctx)
			if err != nil {
				f.logger.Warn("skipping context file",
					"pi", pi, "file", tk.name, "error", err)
				return
			}
			results[i] = result{name: name, content: content, ok: true}
		}(i, tk)
	}
	wg.Wait()

	items := make([]truncate.Item, 0, len(results))
	for _, r := range results {
		if !r.ok {
			continue
		}
		if r.name == previousPinaxName {
			if rec, err := pinax.Parse([]byte(r.content)); err == nil {
				bundle.ExistingPinax = rec
			} else {
				f.logger.Warn("existing pinax record unparseable", "pi", pi, "error", err)
			}
		}
		items = append(items, truncate.Item{Name: r.name, Content: r.content})
	}

	target := int(float64(f.maxTokens) * f.proportion)
	fitted, stats := truncate.Apply(items, target)
	bundle.Truncation = stats

	bundle.Files = make([]File, len(fitted))
	for i, it := range fitted {
		bundle.Files[i] = File{Name: it.Name, Content: it.Content}
	}
	return bundle, nil
}

// planTasks lists the downloads for an entity in assembly order: previous
// PINAX, text components, OCR sidecars, child PINAX records.
func (f *Fetcher) planTasks(entity *arke.Entity) []task {
	var tasks []task

	if cid, ok := entity.Components[PinaxComponent]; ok {
		tasks = append(tasks, f.downloadTask(previousPinaxName, cid))
	}

	labels := make([]string, 0, len(entity.Components))
	for label := range entity.Components {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		if IsTextComponent(label) {
			tasks = append(tasks, f.downloadTask(label, entity.Components[label]))
		}
	}
	for _, label := range labels {
		if strings.HasSuffix(label, SidecarSuffix) {
			tasks = append(tasks, f.downloadTask(label, entity.Components[label]))
		}
	}

	for _, childPI := range entity.ChildrenPI {
		tasks = append(tasks, f.childPinaxTask(childPI))
	}
	return tasks
}

// downloadTask fetches one component by CID.
func (f *Fetcher) downloadTask(name, cid string) task {
	return task{
		name: name,
		fetch: func(ctx context.Context) (string, string, error) {
			data, err := f.store.Download(ctx, cid)
			if err != nil {
				return "", "", err
			}
			return name, string(data), nil
		},
	}
}

// childPinaxTask fetches a child's published PINAX record. Children are
// expected to be processed before parents; a missing record is skipped.
func (f *Fetcher) childPinaxTask(childPI string) task {
	return task{
		name: "child_pinax:" + childPI,
		fetch: func(ctx context.Context) (string, string, error) {
			child, err := f.store.GetEntity(ctx, childPI)
			if err != nil {
				return "", "", err
			}
			cid, ok := child.Components[PinaxComponent]
			if !ok {
				return "", "", arke.ErrNotFound
			}
			data, err := f.store.Download(ctx, cid)
			if err != nil {
				return "", "", err
			}
			return "child_pinax_" + DirectoryName(child) + ".json", string(data), nil
		},
	}
}

// DirectoryName names an entity for prompts: its label if set, else the
// last 8 characters of the PI.
func DirectoryName(entity *arke.Entity) string {
	if entity.Label != "" {
		return entity.Label
	}
	if len(entity.PI) > 8 {
		return entity.PI[len(entity.PI)-8:]
	}
	return entity.PI
}

// IsTextComponent reports whether a component label should be read as text
// content: a known text extension, not reserved, not an OCR sidecar.
func IsTextComponent(label string) bool {
	lower := strings.ToLower(label)
	if reservedNames[lower] || strings.HasSuffix(lower, SidecarSuffix) {
		return false
	}
	for _, ext := range textExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
