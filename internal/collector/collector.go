// Package collector supplies source documents for a report topic.
package collector

import (
	"context"
	"iter"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// Collector yields documents for a topic. The sequence is lazy and finite
// and may be ranged over only once. Error elements describe sources that
// failed; the sequence continues after them.
type Collector interface {
	Collect(ctx context.Context, topic string) iter.Seq2[models.Document, error]
}

// Static yields a fixed set of documents. Used for development and tests.
type Static []models.Document

func (s Static) Collect(ctx context.Context, _ string) iter.Seq2[models.Document, error] {
	return func(yield func(models.Document, error) bool) {
		for _, d := range s {
			if ctx.Err() != nil {
				yield(models.Document{}, ctx.Err())
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// Multi concatenates the output of several collectors.
type Multi []Collector

func (m Multi) Collect(ctx context.Context, topic string) iter.Seq2[models.Document, error] {
	return func(yield func(models.Document, error) bool) {
		for _, c := range m {
			for d, err := range c.Collect(ctx, topic) {
				if !yield(d, err) {
					return
				}
			}
		}
	}
}
