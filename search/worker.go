package search

import (
	"context"
	"strings"

	"github.com/erikvanbrakel/depot/models"
	"github.com/erikvanbrakel/depot/worker"
)

// Document is one package as seen by the search index.
type Document struct {
	Name     models.PackageName
	Keywords []string
}

// Terms returns what a package is indexed under: its group, its name and its
// keywords.
func (d Document) Terms() []string {
	terms := make([]string, 0, len(d.Keywords)+2)
	terms = append(terms, d.Name.Group, d.Name.Name)
	return append(terms, d.Keywords...)
}

// Worker owns an Engine on a single goroutine. The engine is keyed by the
// normalized package key; the worker remembers the display name for each key.
type Worker struct {
	engine *Engine
	names  map[string]models.PackageName
	serial *worker.Serial

	// generation of the last Index call that wrote each key
	generations map[string]uint64
	next        uint64
}

func NewWorker() *Worker {
	return &Worker{
		engine: NewEngine(),
		names:  make(map[string]models.PackageName),
		serial: worker.NewSerial(64),

		generations: make(map[string]uint64),
	}
}

// Undo reverts an Index call.
type Undo func(ctx context.Context) error

// Index inserts or replaces the document for doc.Name. The returned Undo puts
// back whatever was indexed for that package before, unless the package has
// been indexed again since; a later write always wins over an undo.
func (w *Worker) Index(ctx context.Context, doc Document) (Undo, error) {
	key := doc.Name.Key()

	var (
		previousTerms      []string
		previousName       models.PackageName
		previousGeneration uint64
		existed            bool
		generation         uint64
	)
	err := w.serial.Do(ctx, func() error {
		previousTerms, existed = w.engine.Terms(key)
		previousName = w.names[key]
		previousGeneration = w.generations[key]

		w.next++
		generation = w.next

		w.engine.Insert(key, doc.Terms())
		w.names[key] = doc.Name
		w.generations[key] = generation
		return nil
	})
	if err != nil {
		return nil, err
	}

	undo := func(ctx context.Context) error {
		return w.serial.Do(ctx, func() error {
			if current, ok := w.generations[key]; !ok || current != generation {
				return nil
			}
			if !existed {
				w.engine.Delete(key)
				delete(w.names, key)
				delete(w.generations, key)
				return nil
			}
			w.engine.Insert(key, previousTerms)
			w.names[key] = previousName
			w.generations[key] = previousGeneration
			return nil
		})
	}
	return undo, nil
}

func (w *Worker) Remove(ctx context.Context, name models.PackageName) error {
	key := name.Key()
	return w.serial.Do(ctx, func() error {
		w.engine.Delete(key)
		delete(w.names, key)
		delete(w.generations, key)
		return nil
	})
}

// Search splits query on whitespace and returns matching packages, best first.
func (w *Worker) Search(ctx context.Context, query string) ([]models.PackageName, error) {
	tokens := strings.Fields(query)

	var names []models.PackageName
	err := w.serial.Do(ctx, func() error {
		for _, key := range w.engine.Search(tokens) {
			names = append(names, w.names[key])
		}
		return nil
	})
	return names, err
}

// Rebuild replaces the whole index with docs.
func (w *Worker) Rebuild(ctx context.Context, docs []Document) error {
	return w.serial.Do(ctx, func() error {
		w.engine = NewEngine()
		w.names = make(map[string]models.PackageName, len(docs))
		w.generations = make(map[string]uint64, len(docs))
		for _, doc := range docs {
			key := doc.Name.Key()
			w.engine.Insert(key, doc.Terms())
			w.names[key] = doc.Name
		}
		return nil
	})
}

func (w *Worker) Len(ctx context.Context) (int, error) {
	var n int
	err := w.serial.Do(ctx, func() error {
		n = w.engine.Len()
		return nil
	})
	return n, err
}

func (w *Worker) Close() {
	w.serial.Close()
}
